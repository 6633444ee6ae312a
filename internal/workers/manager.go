package workers

import (
	"context"
	"time"

	"capstan/internal/domain"
	"capstan/internal/logger"
)

type Manager struct {
	log logger.Logger

	scheduler *Scheduler
	deps      *ManagerDeps
}

type ManagerDeps struct {
	Deployments domain.DeploymentRepository
	Transcripts domain.TranscriptStore
	Workspaces  WorkspaceDestroyer

	RetentionAge      time.Duration
	RetentionInterval time.Duration
}

func NewManager(log logger.Logger, scheduler *Scheduler, deps *ManagerDeps) *Manager {
	return &Manager{
		log: log,

		scheduler: scheduler,
		deps:      deps,
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Info("worker: manager started")

	m.scheduler.RunByDuration(ctx, m.deps.RetentionInterval, NewRetentionWorker(
		m.deps.RetentionAge,
		m.deps.Deployments,
		m.deps.Transcripts,
		m.deps.Workspaces,
		m.log,
	))
}
