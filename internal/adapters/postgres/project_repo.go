package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"capstan/internal/domain"
)

type ProjectRepository struct {
	db *pgxpool.Pool
}

func NewProjectRepository(db *pgxpool.Pool) domain.ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) GetByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `
		SELECT id, name, repo_url, default_branch, created_at
		FROM projects
		WHERE id = $1
	`

	var p domain.Project
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &p, nil
}

func (r *ProjectRepository) List(ctx context.Context) ([]*domain.Project, error) {
	query := `
		SELECT id, name, repo_url, default_branch, created_at
		FROM projects
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return projects, nil
}

func (r *ProjectRepository) Create(ctx context.Context, p *domain.Project) (*domain.Project, error) {
	query := `
		INSERT INTO projects (id, name, repo_url, default_branch)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, repo_url, default_branch, created_at
	`

	var created domain.Project
	err := r.db.QueryRow(ctx, query, p.ID, p.Name, p.RepoURL, p.DefaultBranch).Scan(
		&created.ID, &created.Name, &created.RepoURL, &created.DefaultBranch, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return &created, nil
}
