package http

import (
	"net/http"
	"time"
)

// NewServer leaves WriteTimeout at zero so SSE and WebSocket
// connections can outlive a fixed response window.
func NewServer(handler http.Handler, address string) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
