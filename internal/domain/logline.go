package domain

import (
	"context"
	"time"
)

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogLine is one unit of deployment output. Seq is assigned by the hub and
// totally orders lines within a single deployment.
type LogLine struct {
	Seq       int64     `json:"seq"`
	Stream    LogStream `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptRef names the durable transcript stream for a deployment.
func TranscriptRef(deploymentID string) string {
	return "capstan:transcript:" + deploymentID
}

// TranscriptStore is the durable append-only record of a deployment's output.
type TranscriptStore interface {
	Append(ctx context.Context, deploymentID string, line LogLine) error
	Range(ctx context.Context, deploymentID string, fromSeq int64, limit int64) ([]LogLine, error)
	Delete(ctx context.Context, deploymentID string) error
}
