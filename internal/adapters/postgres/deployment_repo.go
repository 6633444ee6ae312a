package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"capstan/internal/domain"
)

const deploymentColumns = `
	id,
	project_id,
	reference,
	status,
	exit_stage,
	exit_reason,
	transcript_ref,
	started_at,
	ended_at,
	pruned_at
`

type DeploymentRepository struct {
	db *pgxpool.Pool
}

func NewDeploymentRepository(db *pgxpool.Pool) domain.DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) Create(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	query := `
		INSERT INTO deployments (id, project_id, reference, status, transcript_ref, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + deploymentColumns

	row := r.db.QueryRow(ctx, query,
		d.ID, d.ProjectID, d.Reference, d.Status, d.TranscriptRef, d.StartedAt)

	created, err := scanDeployment(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	return created, nil
}

func (r *DeploymentRepository) GetByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`

	d, err := scanDeployment(r.db.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return d, nil
}

func (r *DeploymentRepository) List(ctx context.Context, opts domain.DeploymentListOptions) ([]*domain.Deployment, error) {
	baseQuery := `SELECT ` + deploymentColumns + ` FROM deployments`

	args := []any{}
	conditions := []string{}
	argCounter := 1

	if opts.ProjectID != nil {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argCounter))
		args = append(args, *opts.ProjectID)
		argCounter++
	}

	if len(opts.Statuses) > 0 {
		placeholders := []string{}
		for _, s := range opts.Statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argCounter))
			args = append(args, s)
			argCounter++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY started_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	baseQuery += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := r.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

func (r *DeploymentRepository) UpdateStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus) error {
	query := `
		UPDATE deployments
		SET status = $2
		WHERE id = $1 AND ended_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, deploymentID, status)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeploymentNotFound
	}

	return nil
}

// Finish sets the terminal status and stamps ended_at exactly once; a
// second call on the same deployment reports ErrAlreadyTerminal.
func (r *DeploymentRepository) Finish(ctx context.Context, deploymentID string, status domain.DeploymentStatus, stage string, reason domain.ExitReason) error {
	query := `
		UPDATE deployments
		SET status = $2,
		    exit_stage = NULLIF($3, ''),
		    exit_reason = NULLIF($4, ''),
		    ended_at = now()
		WHERE id = $1 AND ended_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, deploymentID, status, stage, string(reason))
	if err != nil {
		return fmt.Errorf("failed to finish deployment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, deploymentID); err != nil {
			return err
		}
		return domain.ErrAlreadyTerminal
	}

	return nil
}

func (r *DeploymentRepository) ListNonTerminal(ctx context.Context) ([]*domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE ended_at IS NULL
		ORDER BY started_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

func (r *DeploymentRepository) ListPrunable(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE ended_at IS NOT NULL
		  AND ended_at < $1
		  AND pruned_at IS NULL
		ORDER BY ended_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query prunable deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

func (r *DeploymentRepository) MarkPruned(ctx context.Context, deploymentID string) error {
	query := `
		UPDATE deployments
		SET pruned_at = now()
		WHERE id = $1 AND pruned_at IS NULL
	`

	if _, err := r.db.Exec(ctx, query, deploymentID); err != nil {
		return fmt.Errorf("failed to mark deployment pruned: %w", err)
	}

	return nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment

	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.Reference,
		&d.Status,
		&d.ExitStage,
		&d.ExitReason,
		&d.TranscriptRef,
		&d.StartedAt,
		&d.EndedAt,
		&d.PrunedAt,
	); err != nil {
		return nil, err
	}

	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]*domain.Deployment, error) {
	var deployments []*domain.Deployment

	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return deployments, nil
}
