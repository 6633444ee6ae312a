// Package request
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodySize = 1 << 20

type RequestDecoder struct{}

func NewRequestDecoder() RequestDecoder {
	return RequestDecoder{}
}

func (RequestDecoder) Decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}
