package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onllm-dev/aipulse/internal/agent"
	"github.com/onllm-dev/aipulse/internal/tracker"
)

// Handler serves the control endpoints.
type Handler struct {
	scheduler Scheduler
	events    Subscriber
	logger    *slog.Logger
	quit      <-chan struct{}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running      bool                            `json:"running"`
	IntervalSecs int                             `json:"interval"`
	LastFetch    *time.Time                      `json:"last_fetch,omitempty"`
	NextRefresh  *time.Time                      `json:"next_refresh,omitempty"`
	AnyPaused    bool                            `json:"any_paused"`
	Accounts     map[string]tracker.AccountState `json:"accounts"`
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health reports liveness of the daemon.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	st := h.scheduler.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
	})
}

// Status reports scheduler and session state.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st := h.scheduler.Status()
	sessions := h.scheduler.SessionStatus()
	resp := StatusResponse{
		Running:      st.Running,
		IntervalSecs: st.IntervalSecs,
		AnyPaused:    sessions.AnyPaused,
		Accounts:     sessions.Accounts,
	}
	if !st.LastFetch.IsZero() {
		resp.LastFetch = &st.LastFetch
	}
	if !st.NextRefresh.IsZero() {
		resp.NextRefresh = &st.NextRefresh
	}
	if resp.Accounts == nil {
		resp.Accounts = map[string]tracker.AccountState{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Refresh forces a fetch cycle.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.respondCycle(w, h.scheduler.ForceRefresh(r.Context()), "refreshed")
}

// Resume clears paused sessions and forces a fetch cycle.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.respondCycle(w, h.scheduler.Resume(r.Context()), "resumed")
}

// IntervalRequest is the body of POST /api/interval.
type IntervalRequest struct {
	Seconds int `json:"seconds"`
}

// IntervalResponse reports the effective interval after the floor.
type IntervalResponse struct {
	IntervalSecs int `json:"interval"`
}

// Start launches the poll loop. Starting a running scheduler is a no-op.
func (h *Handler) Start(w http.ResponseWriter, _ *http.Request) {
	h.scheduler.Start()
	respondJSON(w, http.StatusOK, map[string]bool{"running": h.scheduler.Status().Running})
}

// Stop ends the poll loop; the control server keeps serving.
func (h *Handler) Stop(w http.ResponseWriter, _ *http.Request) {
	h.scheduler.Stop()
	respondJSON(w, http.StatusOK, map[string]bool{"running": h.scheduler.Status().Running})
}

// SetInterval changes the poll interval of the running scheduler.
func (h *Handler) SetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Seconds <= 0 {
		respondError(w, http.StatusBadRequest, "seconds must be positive")
		return
	}
	respondJSON(w, http.StatusOK, IntervalResponse{IntervalSecs: h.scheduler.SetInterval(req.Seconds)})
}

func (h *Handler) respondCycle(w http.ResponseWriter, err error, ok string) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": ok})
	case errors.Is(err, agent.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(agent.MinIntervalSecs))
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.logger.Error("Fetch cycle failed", "error", err)
		respondError(w, http.StatusInternalServerError, "fetch cycle failed")
	}
}
