package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sorami-ai/sorami/internal/model"
)

const (
	ssePollInterval      = 500 * time.Millisecond
	sseKeepaliveInterval = 15 * time.Second
)

// HandleRunEvents handles GET /v1/runs/{run_id}/events (SSE).
//
// If the run is already terminal the handler emits exactly one final
// event and closes; this covers clients that connect after the last
// progress notification was published. Otherwise it subscribes to the
// run's broadcast channel, forwards events as they arrive, sends a ping
// after 15s of silence, and closes once a terminal-stage event is seen.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event streaming not available (LISTEN/NOTIFY not configured)")
		return
	}

	workspaceID := WorkspaceIDFromContext(r.Context())
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Already-terminal branch: one final event, then close.
	if run.Status.Terminal() {
		writeSSEEvent(w, flusher, "progress", finalEventForRun(run))
		return
	}

	ch := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(id, ch)

	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()

	lastSent := time.Now()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSEEvent(w, flusher, "progress", ev) {
				return
			}
			lastSent = time.Now()
			if model.TerminalStage(ev.Stage) {
				return
			}

		case <-poll.C:
			if time.Since(lastSent) < sseKeepaliveInterval {
				continue
			}
			if !writeSSEEvent(w, flusher, "ping", model.ProgressEvent{Stage: "ping"}) {
				return
			}
			lastSent = time.Now()

			// A notification may have been dropped while the client was
			// idle; fall back to the run record so terminal runs still
			// close the stream.
			cur, err := h.db.GetRun(ctx, workspaceID, id)
			if err == nil && cur.Status.Terminal() {
				writeSSEEvent(w, flusher, "progress", finalEventForRun(cur))
				return
			}
		}
	}
}

// finalEventForRun synthesizes the closing progress event from the run
// record itself.
func finalEventForRun(run model.ModelRun) model.ProgressEvent {
	ev := model.ProgressEvent{
		Status:   string(run.Status),
		Progress: run.Progress,
		Stage:    model.StageDone,
		Message:  "Model fit complete",
	}
	if run.Status == model.RunStatusFailed {
		ev.Stage = model.StageError
		ev.Progress = 0
		ev.Message = "Model fit failed"
		if run.ErrorMessage != nil {
			ev.Message = *run.ErrorMessage
		}
	}
	return ev
}

// writeSSEEvent writes one named SSE event with a JSON payload. Returns
// false when the client is gone.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, ev model.ProgressEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
