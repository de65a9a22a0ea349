package api

import (
	"errors"
	"net/http"

	"github.com/mimir-aip/predict-client/pkg/scheduler"
)

// ScheduleHandler handles schedule-related HTTP requests
type ScheduleHandler struct {
	service *scheduler.Service
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(service *scheduler.Service) *ScheduleHandler {
	return &ScheduleHandler{
		service: service,
	}
}

// handleList lists all schedules
func (h *ScheduleHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List())
}

// handleRun runs a schedule now and returns the outcome of the run
func (h *ScheduleHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.RunNow(r.Context(), r.PathValue("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case run == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		// A failed prediction is still a completed run.
		writeJSON(w, http.StatusOK, run)
	}
}
