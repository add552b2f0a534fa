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

// GenerationRepository persists generations and their version history.
type GenerationRepository struct {
	db *sqlx.DB
}

// NewGenerationRepository creates a new GenerationRepository.
func NewGenerationRepository(db *sqlx.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

type generationRow struct {
	ID                    string         `db:"id"`
	IssueKey              string         `db:"issue_key"`
	Email                 string         `db:"email"`
	ProjectKey            sql.NullString `db:"project_key"`
	Mode                  string         `db:"mode"`
	Status                string         `db:"status"`
	CreatedAt             time.Time      `db:"created_at"`
	StartedAt             time.Time      `db:"started_at"`
	CompletedAt           *time.Time     `db:"completed_at"`
	GenerationTimeSeconds float64        `db:"generation_time_seconds"`
	Cost                  float64        `db:"cost"`
	PromptTokens          int            `db:"prompt_tokens"`
	CompletionTokens      int            `db:"completion_tokens"`
	TotalTokens           int            `db:"total_tokens"`
	MarkdownContent       sql.NullString `db:"markdown_content"`
	MarkdownFilename      sql.NullString `db:"markdown_filename"`
	CurrentVersion        int            `db:"current_version"`
	Published             bool           `db:"published"`
	PublishedAt           *time.Time     `db:"published_at"`
	PublishedBy           sql.NullString `db:"published_by"`
	Error                 string         `db:"error"`
}

type versionRow struct {
	GenerationID string    `db:"generation_id"`
	Version      int       `db:"version"`
	Content      string    `db:"content"`
	UpdatedAt    time.Time `db:"updated_at"`
	UpdatedBy    string    `db:"updated_by"`
	Notes        string    `db:"notes"`
}

const generationColumns = `id, issue_key, email, project_key, mode, status, created_at, started_at,
	completed_at, generation_time_seconds, cost, prompt_tokens, completion_tokens, total_tokens,
	markdown_content, markdown_filename, current_version, published, published_at, published_by, error`

func toRow(g domain.Generation) generationRow {
	row := generationRow{
		ID:                    g.ID,
		IssueKey:              g.IssueKey,
		Email:                 g.Email,
		Mode:                  string(g.Mode),
		Status:                string(g.Status),
		CreatedAt:             g.CreatedAt.UTC(),
		StartedAt:             g.StartedAt.UTC(),
		CompletedAt:           utcPtr(g.CompletedAt),
		GenerationTimeSeconds: g.GenerationTimeSeconds,
		Cost:                  g.Cost,
		PromptTokens:          g.TokenUsage.PromptTokens,
		CompletionTokens:      g.TokenUsage.CompletionTokens,
		TotalTokens:           g.TokenUsage.TotalTokens,
		CurrentVersion:        g.CurrentVersion,
		Published:             g.Published,
		PublishedAt:           utcPtr(g.PublishedAt),
		Error:                 g.Error,
	}
	if g.Project != nil {
		row.ProjectKey = sql.NullString{String: *g.Project, Valid: true}
	}
	if md := g.Result.Markdown; md != nil {
		row.MarkdownContent = sql.NullString{String: md.Content, Valid: true}
		row.MarkdownFilename = sql.NullString{String: md.Filename, Valid: true}
	}
	if g.PublishedBy != nil {
		row.PublishedBy = sql.NullString{String: *g.PublishedBy, Valid: true}
	}
	return row
}

func (row generationRow) toDomain(versions []domain.Version) domain.Generation {
	g := domain.Generation{
		ID:                    row.ID,
		IssueKey:              row.IssueKey,
		Email:                 row.Email,
		Mode:                  domain.Mode(row.Mode),
		Status:                domain.GenerationStatus(row.Status),
		CreatedAt:             row.CreatedAt.UTC(),
		StartedAt:             row.StartedAt.UTC(),
		CompletedAt:           utcPtr(row.CompletedAt),
		GenerationTimeSeconds: row.GenerationTimeSeconds,
		Cost:                  row.Cost,
		TokenUsage: domain.TokenUsage{
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		},
		Versions:       versions,
		CurrentVersion: row.CurrentVersion,
		Published:      row.Published,
		PublishedAt:    utcPtr(row.PublishedAt),
		Error:          row.Error,
	}
	if row.ProjectKey.Valid {
		g.Project = &row.ProjectKey.String
	}
	if row.MarkdownContent.Valid {
		g.Result.Markdown = &domain.Markdown{
			Content:  row.MarkdownContent.String,
			Filename: row.MarkdownFilename.String,
		}
	}
	if row.PublishedBy.Valid {
		g.PublishedBy = &row.PublishedBy.String
	}
	if g.Versions == nil {
		g.Versions = []domain.Version{}
	}
	return g
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Create inserts a generation row. Version history is written by Update.
func (r *GenerationRepository) Create(ctx context.Context, g domain.Generation) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO generations (`+generationColumns+`)
		VALUES (:id, :issue_key, :email, :project_key, :mode, :status, :created_at, :started_at,
			:completed_at, :generation_time_seconds, :cost, :prompt_tokens, :completion_tokens, :total_tokens,
			:markdown_content, :markdown_filename, :current_version, :published, :published_at, :published_by, :error)`,
		toRow(g))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: generation %s already exists", domain.ErrConflict, g.ID)
		}
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

// Update writes the full next state of a generation in one transaction:
// the row itself plus any version snapshots not stored yet.
func (r *GenerationRepository) Update(ctx context.Context, g domain.Generation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update generation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, `UPDATE generations SET
			project_key = :project_key, status = :status, completed_at = :completed_at,
			generation_time_seconds = :generation_time_seconds, cost = :cost,
			prompt_tokens = :prompt_tokens, completion_tokens = :completion_tokens, total_tokens = :total_tokens,
			markdown_content = :markdown_content, markdown_filename = :markdown_filename,
			current_version = :current_version, published = :published,
			published_at = :published_at, published_by = :published_by, error = :error
		WHERE id = :id`, toRow(g))
	if err != nil {
		return fmt.Errorf("update generation %s: %w", g.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	for _, v := range g.Versions {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO generation_versions
				(generation_id, version, content, updated_at, updated_by, notes)
			VALUES (:generation_id, :version, :content, :updated_at, :updated_by, :notes)
			ON CONFLICT (generation_id, version) DO NOTHING`, versionRow{
			GenerationID: g.ID,
			Version:      v.Version,
			Content:      v.Content,
			UpdatedAt:    v.UpdatedAt.UTC(),
			UpdatedBy:    v.UpdatedBy,
			Notes:        v.Notes,
		})
		if err != nil {
			return fmt.Errorf("insert version %d of %s: %w", v.Version, g.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update generation %s: %w", g.ID, err)
	}
	return nil
}

// Get returns a generation with its version history.
func (r *GenerationRepository) Get(ctx context.Context, id string) (*domain.Generation, error) {
	var row generationRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+generationColumns+` FROM generations WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get generation %s: %w", id, err)
	}

	var versions []versionRow
	err = r.db.SelectContext(ctx, &versions, r.db.Rebind(
		`SELECT generation_id, version, content, updated_at, updated_by, notes
		 FROM generation_versions WHERE generation_id = ? ORDER BY version`), id)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", id, err)
	}

	history := make([]domain.Version, 0, len(versions))
	for _, v := range versions {
		history = append(history, domain.Version{
			Version:   v.Version,
			Content:   v.Content,
			UpdatedAt: v.UpdatedAt.UTC(),
			UpdatedBy: v.UpdatedBy,
			Notes:     v.Notes,
		})
	}

	g := row.toDomain(history)
	return &g, nil
}

// Delete removes a generation and its history.
func (r *GenerationRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete generation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM generation_versions WHERE generation_id = ?`), id); err != nil {
		return fmt.Errorf("delete versions of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM generations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete generation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

func filterClause(f domain.ListFilter) (string, []any, error) {
	switch f := f.(type) {
	case domain.FilterMine:
		return `email = ?`, []any{f.Email}, nil
	case domain.FilterPublished:
		return `published = ? AND status = ?`, []any{true, string(domain.GenerationCompleted)}, nil
	case domain.FilterAll:
		return `(email = ? OR (published = ? AND status = ?))`,
			[]any{f.Email, true, string(domain.GenerationCompleted)}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported list filter %T", domain.ErrInvalidInput, f)
	}
}

// List returns one page of generations matching f, newest first, and the total
// number of matches. Version history is not loaded.
func (r *GenerationRepository) List(ctx context.Context, f domain.ListFilter, page domain.Page) ([]domain.Generation, int, error) {
	where, args, err := filterClause(f)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM generations WHERE `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}

	var rows []generationRow
	pageArgs := append(append([]any{}, args...), page.Limit, page.Offset())
	err = r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+generationColumns+` FROM generations
		WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}

	out := make([]domain.Generation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain(nil))
	}
	return out, total, nil
}
