package handlers

import (
	"net/http"

	"github.com/elibrary/circulation/internal/services"
)

type ReviewHandler struct {
	service   *services.ReviewService
	validator *services.ValidationHelper
}

func NewReviewHandler(service *services.ReviewService) *ReviewHandler {
	return &ReviewHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type reviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=1000"`
}

// CreateReview rates a book the caller has returned.
// POST /api/v1/books/{bookId}/reviews
func (h *ReviewHandler) CreateReview(w http.ResponseWriter, r *http.Request) {
	bookID, ok := idParam(w, r, "bookId")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	review, err := h.service.CreateReview(r.Context(), caller, bookID, req.Rating, req.Comment)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusCreated, "Review created", review)
}

// ListReviews returns a book's reviews and rating summary.
// GET /api/v1/books/{bookId}/reviews
func (h *ReviewHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	bookID, ok := idParam(w, r, "bookId")
	if !ok {
		return
	}
	page, err := h.service.BookReviews(r.Context(), bookID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", page)
}

// UpdateReview edits the caller's own review.
// PUT /api/v1/reviews/{id}
func (h *ReviewHandler) UpdateReview(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	review, err := h.service.UpdateReview(r.Context(), caller, id, req.Rating, req.Comment)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Review updated", review)
}
