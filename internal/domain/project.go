package domain

import (
	"context"
	"errors"
	"time"
)

var ErrProjectNotFound = errors.New("project not found")

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repo_url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProjectCreateRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	RepoURL       string `json:"repo_url" validate:"required,max=500"`
	DefaultBranch string `json:"default_branch"`
}

type ProjectService interface {
	GetByID(ctx context.Context, projectID string) (*Project, error)
	List(ctx context.Context) ([]*Project, error)
	Create(ctx context.Context, req ProjectCreateRequest) (*Project, error)
}

type ProjectRepository interface {
	GetByID(ctx context.Context, projectID string) (*Project, error)
	List(ctx context.Context) ([]*Project, error)
	Create(ctx context.Context, p *Project) (*Project, error)
}
