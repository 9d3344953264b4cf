package handlers

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elibrary/circulation/internal/middleware"
	"github.com/elibrary/circulation/internal/services"
)

type FineHandler struct {
	service   *services.FineService
	validator *services.ValidationHelper
}

func NewFineHandler(service *services.FineService) *FineHandler {
	return &FineHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type payRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

type waiveRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Notes  string `json:"notes" validate:"max=500"`
}

type createFineRequest struct {
	UserID         string          `json:"userId" validate:"required,max=64"`
	BorrowRecordID *int64          `json:"borrowRecordId" validate:"omitempty,gt=0"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" validate:"required,max=500"`
	DueDate        *time.Time      `json:"dueDate"`
	Notes          string          `json:"notes" validate:"max=500"`
}

type updateFineRequest struct {
	Amount  *decimal.Decimal `json:"amount"`
	Reason  *string          `json:"reason" validate:"omitempty,max=500"`
	DueDate *time.Time       `json:"dueDate"`
	Notes   string           `json:"notes" validate:"max=500"`
}

// CreateFine charges a manual fine.
// POST /api/v1/fines
func (h *FineHandler) CreateFine(w http.ResponseWriter, r *http.Request) {
	var req createFineRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.CreateFine(r.Context(), services.ManualFine{
		UserID:         req.UserID,
		BorrowRecordID: req.BorrowRecordID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		DueDate:        req.DueDate,
		Notes:          req.Notes,
	}, actor)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusCreated, "Fine created", fine)
}

// UpdateFine edits the amount, reason or due date of an outstanding fine.
// PUT /api/v1/fines/{id}
func (h *FineHandler) UpdateFine(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req updateFineRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.UpdateFine(r.Context(), id, services.FineUpdate{
		Amount:  req.Amount,
		Reason:  req.Reason,
		DueDate: req.DueDate,
		Notes:   req.Notes,
	}, actor)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Fine updated", fine)
}

// Statistics reports counts and amounts over all fines.
// GET /api/v1/fines/statistics
func (h *FineHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", stats)
}

// GetFine returns a fine to its owner or an admin.
// GET /api/v1/fines/{id}
func (h *FineHandler) GetFine(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.GetFine(r.Context(), id)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	if fine.UserID != caller && !middleware.IsAdmin(r.Context()) {
		services.SendServiceError(w, services.ErrFineNotFound.With("fine %d not found", id))
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", fine)
}

// ListActions returns the action history of a fine.
// GET /api/v1/fines/{id}/actions
func (h *FineHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	actions, err := h.service.ListFineActions(r.Context(), id)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", actions)
}

// PayFine records a full payment.
// POST /api/v1/fines/{id}/pay
func (h *FineHandler) PayFine(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req payRequest
	if !decodeBody(w, r, h.validator, &req, true) {
		return
	}
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.PayFine(r.Context(), id, actor, req.Notes)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Fine paid", fine)
}

// WaiveFine cancels a fine with a reason.
// POST /api/v1/fines/{id}/waive
func (h *FineHandler) WaiveFine(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req waiveRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.WaiveFine(r.Context(), id, actor, req.Reason, req.Notes)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Fine waived", fine)
}
