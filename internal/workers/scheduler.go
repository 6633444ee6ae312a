// Package workers
package workers

import (
	"context"
	"time"

	"capstan/internal/logger"
)

type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	log logger.Logger
}

func NewScheduler(log logger.Logger) *Scheduler {
	return &Scheduler{log: log}
}

func (s *Scheduler) RunByDuration(ctx context.Context, dur time.Duration, worker Worker) {
	go func() {
		ticker := time.NewTicker(dur)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()

				err := worker.Run(ctx)
				if err != nil {
					s.log.Error("worker failed", "name", worker.Name(), "error", err)
				}

				s.log.Debug("worker finished", "name", worker.Name(), "time", time.Since(start))
			}
		}
	}()
}
