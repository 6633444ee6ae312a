// Package deployment
package deployment

import (
	"context"

	"capstan/internal/domain"
)

type Service struct {
	repo        domain.DeploymentRepository
	transcripts domain.TranscriptStore
}

func NewService(repo domain.DeploymentRepository, transcripts domain.TranscriptStore) domain.DeploymentService {
	return &Service{
		repo:        repo,
		transcripts: transcripts,
	}
}

func (s *Service) List(ctx context.Context, opts domain.DeploymentListOptions) ([]*domain.Deployment, error) {
	return s.repo.List(ctx, opts)
}

func (s *Service) GetByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.repo.GetByID(ctx, deploymentID)
}

// Transcript pages through the stored log. The deployment must exist even
// when its transcript is already pruned, so the lookup comes first.
func (s *Service) Transcript(ctx context.Context, deploymentID string, fromSeq, limit int64) ([]domain.LogLine, error) {
	if _, err := s.repo.GetByID(ctx, deploymentID); err != nil {
		return nil, err
	}

	return s.transcripts.Range(ctx, deploymentID, fromSeq, limit)
}
