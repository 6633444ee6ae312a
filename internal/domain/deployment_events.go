package domain

import "time"

type EventDeploymentTriggered struct {
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id"`
	Reference    string    `json:"reference"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

type EventDeploymentStatusChanged struct {
	DeploymentID string           `json:"deployment_id"`
	ProjectID    string           `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
}

type EventDeploymentFinished struct {
	DeploymentID string           `json:"deployment_id"`
	ProjectID    string           `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
	ExitReason   *ExitReason      `json:"exit_reason,omitempty"`
	FinishedAt   time.Time        `json:"finished_at"`
}
