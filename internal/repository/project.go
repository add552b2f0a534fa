package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/testgen/internal/domain"
)

// ProjectRepository persists project aggregates.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Touch creates the project on first use and otherwise moves its
// last_generated_at forward. Concurrent callers race on last_generated_at and
// the last write wins.
func (r *ProjectRepository) Touch(ctx context.Context, key, email string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO projects (key, created_by, first_generated_at, last_generated_at, total_generations)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT (key) DO UPDATE SET last_generated_at = excluded.last_generated_at`),
		key, email, now, now)
	if err != nil {
		return fmt.Errorf("touch project %s: %w", key, err)
	}
	return nil
}

// RecountGenerations sets total_generations from a COUNT over generations
// instead of incrementing, so concurrent writers converge on the next update.
func (r *ProjectRepository) RecountGenerations(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE projects
		 SET total_generations = (SELECT COUNT(*) FROM generations WHERE project_key = ?)
		 WHERE key = ?`), key, key)
	if err != nil {
		return fmt.Errorf("recount project %s: %w", key, err)
	}
	return nil
}

// Get returns a project by key.
func (r *ProjectRepository) Get(ctx context.Context, key string) (*domain.Project, error) {
	var p domain.Project
	err := r.db.GetContext(ctx, &p, r.db.Rebind(
		`SELECT key, created_by, first_generated_at, last_generated_at, total_generations
		 FROM projects WHERE key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get project %s: %w", key, err)
	}
	return &p, nil
}

// List returns all projects, most recently active first.
func (r *ProjectRepository) List(ctx context.Context) ([]domain.Project, error) {
	projects := []domain.Project{}
	err := r.db.SelectContext(ctx, &projects,
		`SELECT key, created_by, first_generated_at, last_generated_at, total_generations
		 FROM projects ORDER BY last_generated_at DESC, key`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}
