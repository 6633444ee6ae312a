package domain

import (
	"context"
	"errors"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretResolver hands plaintext values to the engine. Resolution happens
// once per deployment at checkout; values are never cached beyond the run
// and never written to the transcript.
type SecretResolver interface {
	Resolve(ctx context.Context, projectID string, names []string) (map[string]string, error)
}
