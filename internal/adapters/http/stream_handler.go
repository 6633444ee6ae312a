package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"capstan/internal/domain"
	"capstan/internal/logger"
	"capstan/internal/logstream"
)

const sseHeartbeatInterval = 15 * time.Second

// StreamHandler delivers a deployment's transcript over Server-Sent Events:
// stored backlog first, then the live tail, then an end event naming why
// the stream closed.
type StreamHandler struct {
	svc domain.DeploymentService
	hub *logstream.Hub
	log logger.Logger
}

func NewStreamHandler(svc domain.DeploymentService, hub *logstream.Hub, log logger.Logger) *StreamHandler {
	return &StreamHandler{
		svc: svc,
		hub: hub,
		log: log,
	}
}

func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")

	if _, err := h.svc.GetByID(r.Context(), deploymentID); err != nil {
		if errors.Is(err, domain.ErrDeploymentNotFound) {
			http.Error(w, "deployment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get deployment", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.hub.Subscribe(r.Context(), deploymentID)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer h.hub.Unsubscribe(deploymentID, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, line := range sub.Backlog {
		if err := writeSSELine(w, line); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	lines := sub.Lines

	for {
		select {
		case <-r.Context().Done():
			return

		case line, open := <-lines:
			if !open {
				// Block this arm; the close reason arrives on Done.
				lines = nil
				continue
			}
			if err := writeSSELine(w, line); err != nil {
				return
			}
			flusher.Flush()

		case reason := <-sub.Done:
			fmt.Fprintf(w, "event: end\ndata: {\"reason\":%q}\n\n", reason)
			flusher.Flush()
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSELine(w http.ResponseWriter, line domain.LogLine) error {
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: log\ndata: %s\n\n", payload)
	return err
}
