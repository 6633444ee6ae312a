// Package ws serves live deployment log tails over WebSocket.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"capstan/internal/domain"
	"capstan/internal/logger"
	"capstan/internal/logstream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type endFrame struct {
	Reason logstream.CloseReason `json:"reason"`
}

type LogHandler struct {
	svc domain.DeploymentService
	hub *logstream.Hub
	log logger.Logger

	upgrader websocket.Upgrader
}

func NewLogHandler(svc domain.DeploymentService, hub *logstream.Hub, log logger.Logger, allowedOrigins []string) *LogHandler {
	return &LogHandler{
		svc: svc,
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *LogHandler) Serve(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")

	if _, err := h.svc.GetByID(r.Context(), deploymentID); err != nil {
		if errors.Is(err, domain.ErrDeploymentNotFound) {
			http.Error(w, "deployment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get deployment", http.StatusInternalServerError)
		return
	}

	sub, err := h.hub.Subscribe(r.Context(), deploymentID)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(deploymentID, sub.ID)
		h.log.Warn("ws: upgrade failed", "error", err)
		return
	}

	go h.readPump(conn)
	h.writePump(conn, deploymentID, sub)
}

// readPump discards client frames but keeps the pong handler alive and
// notices the peer going away.
func (h *LogHandler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LogHandler) writePump(conn *websocket.Conn, deploymentID string, sub *logstream.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.hub.Unsubscribe(deploymentID, sub.ID)
	}()

	for _, line := range sub.Backlog {
		if err := h.writeLine(conn, line); err != nil {
			return
		}
	}

	lines := sub.Lines

	for {
		select {
		case line, open := <-lines:
			if !open {
				lines = nil
				continue
			}
			if err := h.writeLine(conn, line); err != nil {
				return
			}

		case reason := <-sub.Done:
			payload, _ := json.Marshal(endFrame{Reason: reason})
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, payload)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LogHandler) writeLine(conn *websocket.Conn, line domain.LogLine) error {
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
