package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/testgen/internal/domain"
)

var base = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = Migrate(context.Background(), db)
	require.NoError(t, err)
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ran, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(newTestDB(t))

	created, err := repo.Create(ctx, domain.User{
		ID: "u-1", Email: "Tester@Example.com", Name: "Tester", PasswordHash: "hash",
		CreatedAt: base, UpdatedAt: base,
	})
	require.NoError(t, err)
	assert.Equal(t, "tester@example.com", created.Email)

	found, err := repo.FindByEmail(ctx, "TESTER@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", found.ID)
	assert.Equal(t, "hash", found.PasswordHash)

	_, err = repo.Create(ctx, domain.User{
		ID: "u-2", Email: "tester@example.com", PasswordHash: "x", CreatedAt: base, UpdatedAt: base,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerationRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(newTestDB(t))

	project := "KAN"
	g := domain.NewGeneration("g-1", "KAN-10", "owner@example.com", &project, domain.ModeManual, base)
	require.NoError(t, repo.Create(ctx, g))

	stored, err := repo.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Empty(t, stored.Status)
	assert.Nil(t, stored.Result.Markdown)
	assert.Equal(t, 1, stored.CurrentVersion)
	require.NotNil(t, stored.Project)
	assert.Equal(t, "KAN", *stored.Project)

	done := g.Complete(domain.Markdown{Content: "# Cases", Filename: "KAN-10_testcases_g-1.md"},
		domain.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}, 0.5, base.Add(2*time.Second))
	require.NoError(t, repo.Update(ctx, done))

	edited, _ := done.WithContent("first edit", "owner@example.com", "tweak", base.Add(time.Minute))
	edited, _ = edited.WithContent("second edit", "owner@example.com", "", base.Add(2*time.Minute))
	edited = edited.WithPublished(true, "owner@example.com", base.Add(3*time.Minute))
	require.NoError(t, repo.Update(ctx, edited))
	// Re-saving the same state must not duplicate snapshots.
	require.NoError(t, repo.Update(ctx, edited))

	stored, err = repo.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GenerationCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentVersion)
	assert.Equal(t, "second edit", stored.Content())
	assert.Equal(t, "KAN-10_testcases_g-1.md", stored.Result.Markdown.Filename)
	assert.Equal(t, 2.0, stored.GenerationTimeSeconds)
	assert.Equal(t, 30, stored.TokenUsage.TotalTokens)
	require.Len(t, stored.Versions, 2)
	assert.Equal(t, 1, stored.Versions[0].Version)
	assert.Equal(t, "# Cases", stored.Versions[0].Content)
	assert.Equal(t, "tweak", stored.Versions[0].Notes)
	assert.Equal(t, "first edit", stored.Versions[1].Content)
	assert.True(t, stored.Published)
	require.NotNil(t, stored.PublishedAt)
	assert.True(t, base.Add(3*time.Minute).Equal(*stored.PublishedAt))
	require.NotNil(t, stored.PublishedBy)
	assert.Equal(t, "owner@example.com", *stored.PublishedBy)
}

func TestGenerationUpdateMissing(t *testing.T) {
	repo := NewGenerationRepository(newTestDB(t))
	g := domain.NewGeneration("nope", "KAN-1", "a@example.com", nil, domain.ModeManual, base)
	assert.ErrorIs(t, repo.Update(context.Background(), g), domain.ErrNotFound)
}

func TestGenerationDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(newTestDB(t))

	g := domain.NewGeneration("g-del", "KAN-1", "a@example.com", nil, domain.ModeManual, base)
	require.NoError(t, repo.Create(ctx, g))
	g = g.Complete(domain.Markdown{Content: "a"}, domain.TokenUsage{}, 0, base)
	g, _ = g.WithContent("b", "a@example.com", "", base)
	require.NoError(t, repo.Update(ctx, g))

	require.NoError(t, repo.Delete(ctx, "g-del"))
	_, err := repo.Get(ctx, "g-del")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "g-del"), domain.ErrNotFound)
}

func seedListing(t *testing.T, repo *GenerationRepository) {
	t.Helper()
	ctx := context.Background()
	type seed struct {
		owner     string
		status    domain.GenerationStatus
		published bool
	}
	seeds := []seed{
		{"me@example.com", domain.GenerationCompleted, false},
		{"me@example.com", domain.GenerationFailed, false},
		{"other@example.com", domain.GenerationCompleted, true},
		{"other@example.com", domain.GenerationCompleted, false},
		{"me@example.com", domain.GenerationCompleted, true},
		{"other@example.com", domain.GenerationCompleted, true},
	}
	for i, s := range seeds {
		created := base.Add(time.Duration(i) * time.Hour)
		g := domain.NewGeneration(fmt.Sprintf("g-%d", i), fmt.Sprintf("KAN-%d", i), s.owner, nil, domain.ModeManual, created)
		require.NoError(t, repo.Create(ctx, g))
		if s.status == domain.GenerationFailed {
			g = g.Fail("boom", created)
		} else {
			g = g.Complete(domain.Markdown{Content: "# x"}, domain.TokenUsage{}, 0, created)
		}
		g = g.WithPublished(s.published, s.owner, created)
		require.NoError(t, repo.Update(ctx, g))
	}
}

func ids(gs []domain.Generation) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.ID)
	}
	return out
}

func TestGenerationListFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(newTestDB(t))
	seedListing(t, repo)
	page := domain.NewPage(1, 50)

	mine, total, err := repo.List(ctx, domain.FilterMine{Email: "me@example.com"}, page)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"g-4", "g-1", "g-0"}, ids(mine))

	published, total, err := repo.List(ctx, domain.FilterPublished{}, page)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"g-5", "g-4", "g-2"}, ids(published))
	for _, g := range published {
		assert.True(t, g.Published)
		assert.Equal(t, domain.GenerationCompleted, g.Status)
	}

	all, total, err := repo.List(ctx, domain.FilterAll{Email: "me@example.com"}, page)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"g-5", "g-4", "g-2", "g-1", "g-0"}, ids(all))
}

func TestGenerationListPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(newTestDB(t))
	seedListing(t, repo)

	items, total, err := repo.List(ctx, domain.FilterAll{Email: "me@example.com"}, domain.NewPage(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"g-2", "g-1"}, ids(items))

	items, _, err = repo.List(ctx, domain.FilterAll{Email: "me@example.com"}, domain.NewPage(4, 2))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProjectTouchAndRecount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	projects := NewProjectRepository(db)
	generations := NewGenerationRepository(db)

	require.NoError(t, projects.Touch(ctx, "SDET", "first@example.com", base))
	require.NoError(t, projects.Touch(ctx, "SDET", "second@example.com", base.Add(time.Hour)))

	key := "SDET"
	for i := 0; i < 3; i++ {
		g := domain.NewGeneration(fmt.Sprintf("p-%d", i), fmt.Sprintf("SDET-%d", i), "first@example.com", &key, domain.ModeAuto, base)
		require.NoError(t, generations.Create(ctx, g))
	}
	require.NoError(t, projects.RecountGenerations(ctx, "SDET"))

	p, err := projects.Get(ctx, "SDET")
	require.NoError(t, err)
	assert.Equal(t, "first@example.com", p.CreatedBy)
	assert.True(t, base.Equal(p.FirstGeneratedAt))
	assert.True(t, base.Add(time.Hour).Equal(p.LastGeneratedAt))
	assert.Equal(t, 3, p.TotalGenerations)

	var n int
	require.NoError(t, generations.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM generations WHERE project_key = 'SDET'`))
	assert.Equal(t, p.TotalGenerations, n)

	list, err := projects.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = projects.Get(ctx, "NONE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
