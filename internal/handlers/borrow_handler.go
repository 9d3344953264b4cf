package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/elibrary/circulation/internal/middleware"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/services"
)

type BorrowHandler struct {
	service   *services.BorrowService
	reminders *services.ReminderService
	validator *services.ValidationHelper
}

func NewBorrowHandler(service *services.BorrowService, reminders *services.ReminderService) *BorrowHandler {
	return &BorrowHandler{
		service:   service,
		reminders: reminders,
		validator: services.NewValidationHelper(),
	}
}

type borrowRequest struct {
	BookID  int64      `json:"bookId" validate:"required,gt=0"`
	UserID  string     `json:"userId" validate:"omitempty,max=64"`
	DueDate *time.Time `json:"dueDate"`
	Notes   string     `json:"notes" validate:"max=500"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=Requested Borrowed Returned Cancelled Lost Damaged Overdue"`
	Notes  string `json:"notes" validate:"max=500"`
}

// BorrowBook checks a copy out immediately.
// POST /api/v1/borrows
func (h *BorrowHandler) BorrowBook(w http.ResponseWriter, r *http.Request) {
	h.open(w, r, h.service.BorrowBook, "Book borrowed successfully")
}

// RequestBorrow queues a loan for staff approval.
// POST /api/v1/borrows/requests
func (h *BorrowHandler) RequestBorrow(w http.ResponseWriter, r *http.Request) {
	h.open(w, r, h.service.RequestBorrow, "Borrow request submitted")
}

func (h *BorrowHandler) open(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, req services.BorrowRequest) (*models.BorrowRecord, error), message string) {

	var req borrowRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	userID, ok := actingFor(w, r, req.UserID)
	if !ok {
		return
	}

	record, err := fn(r.Context(), services.BorrowRequest{
		UserID:  userID,
		BookID:  req.BookID,
		DueDate: req.DueDate,
		Notes:   req.Notes,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusCreated, message, record)
}

// ListBorrows lists loans by status.
// GET /api/v1/borrows?status=Borrowed
func (h *BorrowHandler) ListBorrows(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.GetBorrowsByStatus(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", records)
}

// ListOverdue lists held loans past their due date.
// GET /api/v1/borrows/overdue
func (h *BorrowHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.GetOverdueBorrows(r.Context())
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", records)
}

// GetBorrow returns one loan to its borrower or an admin.
// GET /api/v1/borrows/{id}
func (h *BorrowHandler) GetBorrow(w http.ResponseWriter, r *http.Request) {
	record, ok := h.owned(w, r)
	if !ok {
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", record)
}

// ReturnBook checks a copy back in at the desk and reports any overdue fine.
// POST /api/v1/borrows/{id}/return (staff)
func (h *BorrowHandler) ReturnBook(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.ReturnBook(r.Context(), id)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, result.Message, result)
}

// ExtendBorrow pushes the due date out by one extension period.
// POST /api/v1/borrows/{id}/extend
func (h *BorrowHandler) ExtendBorrow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeBody(w, r, h.validator, &req, true) {
		return
	}
	record, ok := h.owned(w, r)
	if !ok {
		return
	}
	extended, err := h.service.ExtendBorrow(r.Context(), record.ID, req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Loan extended", extended)
}

// CancelBorrow cancels a request. Staff may also cancel an active loan.
// POST /api/v1/borrows/{id}/cancel
func (h *BorrowHandler) CancelBorrow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeBody(w, r, h.validator, &req, true) {
		return
	}
	record, ok := h.owned(w, r)
	if !ok {
		return
	}
	if record.Status != models.BorrowStatusRequested && !middleware.IsAdmin(r.Context()) {
		services.SendErrorResponse(w, "Only pending requests can be cancelled; return the book at the desk", http.StatusForbidden, nil)
		return
	}
	cancelled, err := h.service.CancelBorrowRequest(r.Context(), record.ID, req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Borrow cancelled", cancelled)
}

// UpdateStatus is the staff status override.
// PUT /api/v1/borrows/{id}/status
func (h *BorrowHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	status, _ := models.ParseBorrowStatus(req.Status)

	record, err := h.service.UpdateBorrowStatus(r.Context(), id, status, req.Notes)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Status updated", record)
}

// owned loads the loan named in the path and checks the caller may touch it.
// Other members' loans are reported as missing.
// SendReminder mails the borrower a due-date reminder right away.
// POST /api/v1/borrows/{id}/remind (staff)
func (h *BorrowHandler) SendReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.reminders.SendForBorrow(r.Context(), id); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Reminder sent", nil)
}

func (h *BorrowHandler) owned(w http.ResponseWriter, r *http.Request) (*models.BorrowRecord, bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}
	caller, ok := callerID(w, r)
	if !ok {
		return nil, false
	}
	record, err := h.service.GetBorrow(r.Context(), id)
	if err != nil {
		services.SendServiceError(w, err)
		return nil, false
	}
	if record.UserID != caller && !middleware.IsAdmin(r.Context()) {
		services.SendServiceError(w, services.ErrBorrowNotFound.With("borrow record %d not found", id))
		return nil, false
	}
	return record, true
}
