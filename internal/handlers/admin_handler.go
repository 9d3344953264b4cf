package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/elibrary/circulation/internal/services"
	"github.com/elibrary/circulation/internal/workers"
)

// CycleRunner runs one cycle of a background loop on demand.
type CycleRunner interface {
	RunOnce(ctx context.Context) error
}

// AdminHandler triggers the background cycles by hand. Results are read back
// from the last cycle the runner recorded.
type AdminHandler struct {
	overdue   CycleRunner
	reminders CycleRunner
	lastScan  func() services.ScanResult
	lastSend  func() services.ReminderResult
}

func NewAdminHandler(overdue, reminders CycleRunner, lastScan func() services.ScanResult, lastSend func() services.ReminderResult) *AdminHandler {
	return &AdminHandler{overdue: overdue, reminders: reminders, lastScan: lastScan, lastSend: lastSend}
}

// RunOverdueScan runs one overdue scan.
// POST /api/v1/admin/overdue/scan
func (h *AdminHandler) RunOverdueScan(w http.ResponseWriter, r *http.Request) {
	if !h.run(w, r, h.overdue) {
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Overdue scan completed", h.lastScan())
}

// RunReminders runs one reminder cycle.
// POST /api/v1/admin/reminders/run
func (h *AdminHandler) RunReminders(w http.ResponseWriter, r *http.Request) {
	if !h.run(w, r, h.reminders) {
		return
	}
	services.SendSuccessResponse(w, http.StatusOK, "Reminder cycle completed", h.lastSend())
}

func (h *AdminHandler) run(w http.ResponseWriter, r *http.Request, runner CycleRunner) bool {
	err := runner.RunOnce(r.Context())
	if errors.Is(err, workers.ErrCycleRunning) {
		services.SendErrorResponse(w, "A cycle is already running", http.StatusConflict, nil)
		return false
	}
	if err != nil {
		services.SendServiceError(w, err)
		return false
	}
	return true
}
