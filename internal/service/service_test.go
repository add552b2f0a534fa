package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sumire/testgen/internal/domain"
	"github.com/sumire/testgen/internal/jira"
	"github.com/sumire/testgen/internal/llm"
	"github.com/sumire/testgen/internal/prompt"
	"github.com/sumire/testgen/internal/repository"
)

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTracker struct {
	issues map[string]*jira.Issue
	err    error
	calls  int
}

func (f *fakeTracker) GetIssue(_ context.Context, key string) (*jira.Issue, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	issue, ok := f.issues[key]
	if !ok {
		return nil, fmt.Errorf("get issue %s: %w", key, &jira.APIError{StatusCode: 404, Messages: []string{"Issue does not exist or you do not have permission to see it."}})
	}
	return issue, nil
}

// fakeModel fails the first failures calls, then answers with content.
type fakeModel struct {
	clock    *fakeClock
	latency  time.Duration
	failures int
	content  string
	usage    llm.Usage
	requests []llm.Request
}

func (f *fakeModel) Complete(_ context.Context, r llm.Request) (*llm.Completion, error) {
	f.requests = append(f.requests, r)
	if f.clock != nil {
		f.clock.Advance(f.latency)
	}
	if len(f.requests) <= f.failures {
		return nil, &llm.APIError{StatusCode: 503, Message: "overloaded"}
	}
	return &llm.Completion{Content: f.content, Usage: f.usage}, nil
}

type fakeMirror struct {
	puts    []string
	deletes []string
	err     error
}

func (f *fakeMirror) PutDocument(_ context.Context, filename, _ string) error {
	f.puts = append(f.puts, filename)
	return f.err
}

func (f *fakeMirror) DeleteDocument(_ context.Context, filename string) error {
	f.deletes = append(f.deletes, filename)
	return f.err
}

type failingProjects struct{}

func (failingProjects) Touch(context.Context, string, string, time.Time) error {
	return errors.New("projects table unavailable")
}
func (failingProjects) RecountGenerations(context.Context, string) error {
	return errors.New("projects table unavailable")
}
func (failingProjects) List(context.Context) ([]domain.Project, error) { return nil, nil }

type testEnv struct {
	svc         *GenerationService
	generations *repository.GenerationRepository
	projects    *repository.ProjectRepository
	users       *repository.UserRepository
	tracker     *fakeTracker
	model       *fakeModel
	mirror      *fakeMirror
	clock       *fakeClock
	sleeps      []time.Duration
}

type envOption func(*GenerationDeps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db, err := repository.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = repository.Migrate(context.Background(), db)
	require.NoError(t, err)

	prompts, err := prompt.Default()
	require.NoError(t, err)

	env := &testEnv{
		generations: repository.NewGenerationRepository(db),
		projects:    repository.NewProjectRepository(db),
		users:       repository.NewUserRepository(db),
		clock:       &fakeClock{now: base},
		tracker: &fakeTracker{issues: map[string]*jira.Issue{
			"KAN-10": {
				Key:         "KAN-10",
				Summary:     "Login button misaligned",
				Description: "The login button overlaps the footer on mobile.",
				Attachments: []jira.Attachment{{Filename: "shot.png", MimeType: "image/png", Size: 100}},
			},
		}},
		mirror: &fakeMirror{},
	}
	env.model = &fakeModel{
		clock:   env.clock,
		latency: 1230 * time.Millisecond,
		content: "## TC-001 Button alignment\n\n1. Open the login page",
		usage:   llm.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
	}

	deps := GenerationDeps{
		Generations: env.generations,
		Projects:    env.projects,
		Tracker:     env.tracker,
		Model:       env.model,
		Prompts:     prompts,
		Mirror:      env.mirror,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         env.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return ctx.Err()
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.svc = NewGenerationService(deps)
	return env
}
