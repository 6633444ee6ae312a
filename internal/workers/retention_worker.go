package workers

import (
	"context"
	"time"

	"capstan/internal/domain"
	"capstan/internal/logger"
)

const retentionBatchSize = 50

// WorkspaceDestroyer removes leftover checkout directories.
type WorkspaceDestroyer interface {
	Destroy(deploymentID string)
	Exists(deploymentID string) bool
}

// RetentionWorker prunes terminal deployments past the configured age:
// leftover workspaces go first, then the transcript, then the row is marked
// pruned. Re-running over an already-pruned deployment is a no-op, and
// non-terminal deployments are never considered.
type RetentionWorker struct {
	age time.Duration

	deployments domain.DeploymentRepository
	transcripts domain.TranscriptStore
	workspaces  WorkspaceDestroyer
	log         logger.Logger
}

func NewRetentionWorker(
	age time.Duration,
	deployments domain.DeploymentRepository,
	transcripts domain.TranscriptStore,
	workspaces WorkspaceDestroyer,
	log logger.Logger,
) *RetentionWorker {
	return &RetentionWorker{
		age:         age,
		deployments: deployments,
		transcripts: transcripts,
		workspaces:  workspaces,
		log:         log,
	}
}

func (w *RetentionWorker) Name() string {
	return "deployment_retention"
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.age)

	prunable, err := w.deployments.ListPrunable(ctx, cutoff, retentionBatchSize)
	if err != nil {
		return err
	}

	for _, dep := range prunable {
		if w.workspaces.Exists(dep.ID) {
			w.workspaces.Destroy(dep.ID)
		}

		if err := w.transcripts.Delete(ctx, dep.ID); err != nil {
			w.log.Warn("retention: transcript delete failed",
				"deployment_id", dep.ID, "error", err)
			continue
		}

		if err := w.deployments.MarkPruned(ctx, dep.ID); err != nil {
			w.log.Warn("retention: failed to mark pruned",
				"deployment_id", dep.ID, "error", err)
			continue
		}

		w.log.Debug("retention: pruned deployment", "deployment_id", dep.ID)
	}

	return nil
}
