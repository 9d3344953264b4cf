package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/services"
)

type UserHandler struct {
	ledger    *services.LedgerService
	borrows   *services.BorrowService
	fines     *services.FineService
	validator *services.ValidationHelper
}

func NewUserHandler(ledger *services.LedgerService, borrows *services.BorrowService, fines *services.FineService) *UserHandler {
	return &UserHandler{
		ledger:    ledger,
		borrows:   borrows,
		fines:     fines,
		validator: services.NewValidationHelper(),
	}
}

type blockRequest struct {
	Reason string     `json:"reason" validate:"required,max=500"`
	Until  *time.Time `json:"until"`
}

type userStatusView struct {
	Status    *models.UserStatus `json:"status"`
	CanBorrow bool               `json:"canBorrow"`
	Reason    string             `json:"reason,omitempty"`
}

// GetStatus returns the borrowing ledger of a user and whether they may borrow.
// GET /api/v1/users/{userId}/status
func (h *UserHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingFor(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	st, err := h.ledger.GetStatus(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	eligibility := h.ledger.Evaluate(st)
	view := userStatusView{Status: st, CanBorrow: eligibility.Allowed}
	if !eligibility.Allowed {
		view.Reason = eligibility.Reason
	}
	services.SendSuccessResponse(w, http.StatusOK, "", view)
}

// ListBorrows returns every loan of a user.
// GET /api/v1/users/{userId}/borrows
func (h *UserHandler) ListBorrows(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingFor(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	records, err := h.borrows.ListUserBorrows(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", records)
}

// ListFines returns every fine of a user.
// GET /api/v1/users/{userId}/fines
func (h *UserHandler) ListFines(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingFor(w, r, chi.URLParam(r, "userId"))
	if !ok {
		return
	}
	fines, err := h.fines.ListUserFines(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "", fines)
}

// Block blocks an account by hand.
// POST /api/v1/users/{userId}/block
func (h *UserHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeBody(w, r, h.validator, &req, false) {
		return
	}
	userID := chi.URLParam(r, "userId")
	if err := h.ledger.BlockUser(r.Context(), userID, req.Reason, req.Until); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "User blocked", nil)
}

// Unblock restores an account to Active.
// POST /api/v1/users/{userId}/unblock
func (h *UserHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.UnblockUser(r.Context(), chi.URLParam(r, "userId")); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "User unblocked", nil)
}
