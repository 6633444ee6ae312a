// Package project
package project

import (
	"context"

	"github.com/google/uuid"

	"capstan/internal/domain"
)

type Service struct {
	repo domain.ProjectRepository
}

func NewService(repo domain.ProjectRepository) domain.ProjectService {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.repo.GetByID(ctx, projectID)
}

func (s *Service) List(ctx context.Context) ([]*domain.Project, error) {
	return s.repo.List(ctx)
}

func (s *Service) Create(ctx context.Context, req domain.ProjectCreateRequest) (*domain.Project, error) {
	branch := req.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	return s.repo.Create(ctx, &domain.Project{
		ID:            uuid.NewString(),
		Name:          req.Name,
		RepoURL:       req.RepoURL,
		DefaultBranch: branch,
	})
}
