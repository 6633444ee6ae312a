// Package redis
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"capstan/internal/domain"
)

// TranscriptStore keeps one append-only Redis Stream per deployment. Stream
// entry IDs give the storage order; the LogLine's own seq is the engine's
// total order and travels in the payload.
type TranscriptStore struct {
	redis *redis.Client
}

func NewTranscriptStore(r *redis.Client) domain.TranscriptStore {
	return &TranscriptStore{redis: r}
}

func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *TranscriptStore) Append(ctx context.Context, deploymentID string, line domain.LogLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("transcript marshal failed: %w", err)
	}

	err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.TranscriptRef(deploymentID),
		Values: map[string]any{
			"data": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("transcript xadd failed: %w", err)
	}

	return nil
}

// Range returns stored lines with seq > fromSeq in seq order. A negative
// limit means no bound.
func (s *TranscriptStore) Range(ctx context.Context, deploymentID string, fromSeq int64, limit int64) ([]domain.LogLine, error) {
	msgs, err := s.redis.XRange(ctx, domain.TranscriptRef(deploymentID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("transcript xrange failed: %w", err)
	}

	var lines []domain.LogLine
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}

		var line domain.LogLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("transcript unmarshal failed: %w", err)
		}

		if line.Seq <= fromSeq {
			continue
		}

		lines = append(lines, line)
		if limit > 0 && int64(len(lines)) >= limit {
			break
		}
	}

	return lines, nil
}

func (s *TranscriptStore) Delete(ctx context.Context, deploymentID string) error {
	if err := s.redis.Del(ctx, domain.TranscriptRef(deploymentID)).Err(); err != nil {
		return fmt.Errorf("transcript delete failed: %w", err)
	}

	return nil
}
