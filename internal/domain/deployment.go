package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrAlreadyRunning     = errors.New("a deployment is already running for this project")
	ErrAlreadyTerminal    = errors.New("deployment already reached a terminal state")
)

type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentPreflight  DeploymentStatus = "preflight"
	DeploymentCheckout   DeploymentStatus = "checkout"
	DeploymentBuild      DeploymentStatus = "build"
	DeploymentDeploy     DeploymentStatus = "deploy"
	DeploymentPostDeploy DeploymentStatus = "post_deploy"
	DeploymentFinalizing DeploymentStatus = "finalizing"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentCancelled  DeploymentStatus = "cancelled"
)

// statusRank orders the forward progression of a run. Cancelled is reachable
// from any non-terminal status, everything else only moves up.
var statusRank = map[DeploymentStatus]int{
	DeploymentPending:    0,
	DeploymentPreflight:  1,
	DeploymentCheckout:   2,
	DeploymentBuild:      3,
	DeploymentDeploy:     4,
	DeploymentPostDeploy: 5,
	DeploymentFinalizing: 6,
	DeploymentSucceeded:  7,
	DeploymentFailed:     7,
	DeploymentCancelled:  7,
}

func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed || s == DeploymentCancelled
}

// CanTransition reports whether moving from s to next respects the
// monotonic progression rule.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == DeploymentCancelled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

type ExitReason string

const (
	ReasonPreflightFailed ExitReason = "preflight_failed"
	ReasonCheckoutFailed  ExitReason = "checkout_failed"
	ReasonBuildFailed     ExitReason = "build_failed"
	ReasonNoDeploySteps   ExitReason = "no_deploy_steps"
	ReasonConfigInvalid   ExitReason = "config_invalid"
	ReasonDeployFailed    ExitReason = "deploy_failed"
	ReasonCancelled       ExitReason = "cancelled"
	ReasonWorkerLost      ExitReason = "worker_lost"
)

type Deployment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Reference string `json:"reference"`

	Status     DeploymentStatus `json:"status"`
	ExitStage  *string          `json:"exit_stage,omitempty"`
	ExitReason *ExitReason      `json:"exit_reason,omitempty"`

	TranscriptRef string `json:"transcript_ref"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	PrunedAt  *time.Time `json:"pruned_at,omitempty"`
}

type DeploymentListOptions struct {
	ProjectID *string
	Statuses  []string
	Limit     int
}

// DeploymentService is the read surface handed to the web layer; writes go
// through the scheduler.
type DeploymentService interface {
	List(ctx context.Context, opts DeploymentListOptions) ([]*Deployment, error)
	GetByID(ctx context.Context, deploymentID string) (*Deployment, error)
	Transcript(ctx context.Context, deploymentID string, fromSeq, limit int64) ([]LogLine, error)
}

type DeploymentRepository interface {
	Create(ctx context.Context, d *Deployment) (*Deployment, error)
	GetByID(ctx context.Context, deploymentID string) (*Deployment, error)
	List(ctx context.Context, opts DeploymentListOptions) ([]*Deployment, error)
	UpdateStatus(ctx context.Context, deploymentID string, status DeploymentStatus) error
	Finish(ctx context.Context, deploymentID string, status DeploymentStatus, stage string, reason ExitReason) error
	ListNonTerminal(ctx context.Context) ([]*Deployment, error)
	ListPrunable(ctx context.Context, olderThan time.Time, limit int) ([]*Deployment, error)
	MarkPruned(ctx context.Context, deploymentID string) error
}
