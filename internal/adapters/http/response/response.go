// Package response
package response

import (
	"encoding/json"
	"net/http"
)

type Response struct {
	Data    any               `json:"data,omitempty"`
	Meta    any               `json:"meta,omitempty"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type ResponseWriter struct{}

func NewResponseWriter() ResponseWriter {
	return ResponseWriter{}
}

func (ResponseWriter) Write(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if resp != nil {
		_ = json.NewEncoder(w).Encode(resp)
	}
}
