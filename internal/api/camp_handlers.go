package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/camper"
	"github.com/shehryarbajwa/slotcamper/internal/portal"
)

// campRequest times are relative to now: interval in seconds, start and end
// in hours
type campRequest struct {
	Interval float64 `json:"interval"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
}

func (r campRequest) spec() camper.Spec {
	return camper.Spec{
		Interval:    time.Duration(r.Interval * float64(time.Second)),
		StartOffset: time.Duration(r.Start * float64(time.Hour)),
		EndOffset:   time.Duration(r.End * float64(time.Hour)),
	}
}

// StartCamp handles POST /v1/users/{id}/camp
func (h *Handler) StartCamp(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req campRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	spec := req.spec()
	if err := spec.Validate(h.deps.MinCampInterval); err != nil {
		h.fail(w, err)
		return
	}

	// pick up a login that happened since the session was loaded
	if _, err := h.deps.Sessions.RefreshAuth(userID, false); err != nil {
		h.fail(w, err)
		return
	}
	hd, ok := h.handle(w, r)
	if !ok {
		return
	}
	if hd.Client.Stopped() {
		h.fail(w, portal.ErrSessionStopped)
		return
	}

	replaced, err := h.deps.Scheduler.Start(hd, spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	job, _ := h.deps.Scheduler.Job(userID)
	h.logger.Info("camp started", zap.String("user_id", userID), zap.Bool("replaced", replaced))

	status := http.StatusCreated
	if replaced {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"replaced": replaced,
		"job":      job,
	})
}

// GetCamp handles GET /v1/users/{id}/camp
func (h *Handler) GetCamp(w http.ResponseWriter, r *http.Request) {
	job, ok := h.deps.Scheduler.Job(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "no camping schedule")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StopCamp handles DELETE /v1/users/{id}/camp
func (h *Handler) StopCamp(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Scheduler.Stop(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "no camping schedule running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
