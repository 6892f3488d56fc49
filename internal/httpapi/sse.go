package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

// handleJobStream streams a job's changes as server-sent events. Each
// notifier event is written as "change" and followed by a freshly read
// "progress" snapshot. Without a change broker the snapshot is polled. The
// stream ends with "done" once the job is terminal, or "deleted".
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	if _, err := s.svc.GetJob(ctx, jobID); err != nil {
		writeAppError(w, err)
		return
	}

	events, cancel, err := s.svc.Subscribe(ctx, jobID)
	switch {
	case err == nil:
		defer cancel()
	case apperr.IsType(err, apperr.ErrValidation):
		events = nil
	default:
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// snapshot re-reads the job and reports whether to keep streaming.
	snapshot := func() bool {
		job, err := s.svc.GetJob(context.WithoutCancel(ctx), jobID)
		if apperr.IsType(err, apperr.ErrNotFound) {
			send("deleted", map[string]string{"job_id": jobID})
			return false
		}
		if err != nil {
			send("error", map[string]string{"error": err.Error()})
			return false
		}
		if !send("progress", s.toResponse(job)) {
			return false
		}
		if job.Status.IsTerminal() {
			send("done", map[string]string{"job_id": jobID, "status": string(job.Status)})
			return false
		}
		return true
	}

	if !snapshot() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// the broker dropped us; let the client reconnect
				return
			}
			if !send("change", ev) || !snapshot() {
				return
			}
		case <-ticker.C:
			if events == nil {
				if !snapshot() {
					return
				}
				continue
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
