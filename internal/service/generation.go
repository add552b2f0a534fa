package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sumire/testgen/internal/domain"
	"github.com/sumire/testgen/internal/jira"
	"github.com/sumire/testgen/internal/llm"
	"github.com/sumire/testgen/internal/prompt"
)

const defaultMaxRetries = 3

// IssueTracker fetches issues by key.
type IssueTracker interface {
	GetIssue(ctx context.Context, key string) (*jira.Issue, error)
}

// ChatCompleter runs a single model call.
type ChatCompleter interface {
	Complete(ctx context.Context, r llm.Request) (*llm.Completion, error)
}

// GenerationStore persists generations and their version history.
type GenerationStore interface {
	Create(ctx context.Context, g domain.Generation) error
	Update(ctx context.Context, g domain.Generation) error
	Get(ctx context.Context, id string) (*domain.Generation, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f domain.ListFilter, page domain.Page) ([]domain.Generation, int, error)
}

// ProjectStore maintains per-project aggregates.
type ProjectStore interface {
	Touch(ctx context.Context, key, email string, now time.Time) error
	RecountGenerations(ctx context.Context, key string) error
	List(ctx context.Context) ([]domain.Project, error)
}

// ArtifactMirror copies published documents to external storage.
type ArtifactMirror interface {
	PutDocument(ctx context.Context, filename, content string) error
	DeleteDocument(ctx context.Context, filename string) error
}

// GenerationDeps wires a GenerationService. Mirror, Now, Sleep and MaxRetries
// are optional.
type GenerationDeps struct {
	Generations GenerationStore
	Projects    ProjectStore
	Tracker     IssueTracker
	Model       ChatCompleter
	Prompts     *prompt.Catalog
	Mirror      ArtifactMirror
	Logger      *slog.Logger

	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	MaxRetries int
}

// GenerationService runs generations and serves their lifecycle operations.
type GenerationService struct {
	generations GenerationStore
	projects    ProjectStore
	tracker     IssueTracker
	model       ChatCompleter
	prompts     *prompt.Catalog
	mirror      ArtifactMirror
	logger      *slog.Logger

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	maxRetries int
}

// NewGenerationService creates a new GenerationService.
func NewGenerationService(deps GenerationDeps) *GenerationService {
	s := &GenerationService{
		generations: deps.Generations,
		projects:    deps.Projects,
		tracker:     deps.Tracker,
		model:       deps.Model,
		prompts:     deps.Prompts,
		mirror:      deps.Mirror,
		logger:      deps.Logger,
		now:         deps.Now,
		sleep:       deps.Sleep,
		maxRetries:  deps.MaxRetries,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	return s
}

// CreateGeneration fetches the issue, asks the model for test cases and
// persists the outcome. The returned generation is always terminal; on
// failure it is persisted as failed and a *domain.UpstreamError is returned.
func (s *GenerationService) CreateGeneration(ctx context.Context, issueKey, email, mode string) (*domain.Generation, error) {
	issueKey = strings.TrimSpace(issueKey)
	if issueKey == "" {
		return nil, &domain.ValidationError{Field: "issueKey", Message: "is required"}
	}
	m, err := domain.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	project := s.touchProject(ctx, issueKey, email)

	g := domain.NewGeneration(uuid.NewString(), issueKey, email, project, m, s.now().UTC())
	if err := s.generations.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	if project != nil {
		if err := s.projects.RecountGenerations(ctx, *project); err != nil {
			s.logger.Warn("recount project generations failed", "project", *project, "error", err)
		}
	}

	issue, err := s.tracker.GetIssue(ctx, issueKey)
	if err != nil {
		s.fail(ctx, g, err)
		return nil, classifyTrackerError(issueKey, err)
	}

	user, err := s.prompts.User(issueKey, prompt.IssueContext(issue.Summary, issue.Description))
	if err != nil {
		s.fail(ctx, g, err)
		return nil, &domain.UpstreamError{Kind: domain.UpstreamInternal, Message: "failed to build prompt", Err: err}
	}

	out, err := s.completeWithRetry(ctx, llm.Request{System: s.prompts.System(m), User: user})
	if err != nil {
		s.fail(ctx, g, err)
		return nil, &domain.UpstreamError{Kind: domain.UpstreamInternal, Message: "test case generation failed", Err: err}
	}

	usage := domain.TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	md := domain.Markdown{
		Content:  withHeading(out.Content, issueKey, issue.Summary),
		Filename: documentFilename(issueKey, g.ID),
	}
	done := g.Complete(md, usage, CalculateCost(usage), s.now().UTC())
	if err := s.generations.Update(ctx, done); err != nil {
		return nil, fmt.Errorf("save generation %s: %w", g.ID, err)
	}

	s.logger.Info("generation completed",
		"generation_id", done.ID,
		"issue_key", issueKey,
		"mode", m,
		"total_tokens", usage.TotalTokens,
		"cost", done.Cost,
		"seconds", done.GenerationTimeSeconds,
	)
	return &done, nil
}

// Preflight describes an issue and estimates what generating for it costs.
type Preflight struct {
	IssueKey        string            `json:"issueKey"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Attachments     []jira.Attachment `json:"attachments"`
	ImageCount      int               `json:"imageCount"`
	EstimatedTokens int               `json:"estimatedTokens"`
	EstimatedCost   float64           `json:"estimatedCost"`
}

// Preflight fetches the issue without persisting anything.
func (s *GenerationService) Preflight(ctx context.Context, issueKey string) (*Preflight, error) {
	issueKey = strings.TrimSpace(issueKey)
	if issueKey == "" {
		return nil, &domain.ValidationError{Field: "issueKey", Message: "is required"}
	}

	issue, err := s.tracker.GetIssue(ctx, issueKey)
	if err != nil {
		return nil, classifyTrackerError(issueKey, err)
	}

	images := issue.ImageCount()
	tokens := EstimateInputTokens(prompt.IssueContext(issue.Summary, issue.Description), images)
	return &Preflight{
		IssueKey:        issueKey,
		Title:           issue.Summary,
		Description:     issue.Description,
		Attachments:     issue.Attachments,
		ImageCount:      images,
		EstimatedTokens: tokens,
		EstimatedCost:   EstimateCost(tokens),
	}, nil
}

// Get returns a generation the requester may view. Anything else, including
// a missing id, is domain.ErrNotFound.
func (s *GenerationService) Get(ctx context.Context, id, email string) (*domain.Generation, error) {
	g, err := s.generations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.CanView(email) {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

// Download returns the live document of a viewable generation.
func (s *GenerationService) Download(ctx context.Context, id, email string) (*domain.Markdown, error) {
	g, err := s.Get(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if g.Status != domain.GenerationCompleted || g.Result.Markdown == nil {
		return nil, fmt.Errorf("%w: generation has no document", domain.ErrInvalidState)
	}
	md := *g.Result.Markdown
	if md.Filename == "" {
		md.Filename = documentFilename(g.IssueKey, g.ID)
	}
	return &md, nil
}

// Delete removes a generation owned by the requester. A missing generation is
// domain.ErrNotFound, one owned by someone else domain.ErrForbidden.
func (s *GenerationService) Delete(ctx context.Context, id, email string) error {
	g, err := s.generations.Get(ctx, id)
	if err != nil {
		return err
	}
	if !g.IsOwner(email) {
		return domain.ErrForbidden
	}
	if err := s.generations.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete generation %s: %w", id, err)
	}

	if g.Project != nil {
		if err := s.projects.RecountGenerations(ctx, *g.Project); err != nil {
			s.logger.Warn("recount project generations failed", "project", *g.Project, "error", err)
		}
	}
	if g.Published {
		s.removeMirrored(ctx, *g)
	}
	return nil
}

// ListResult is one page of generations.
type ListResult struct {
	Generations []domain.Generation `json:"generations"`
	Pagination  domain.Pagination   `json:"pagination"`
}

// List returns the page of generations matched by filter, newest first.
func (s *GenerationService) List(ctx context.Context, filter domain.ListFilter, page domain.Page) (*ListResult, error) {
	items, total, err := s.generations.List(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	if items == nil {
		items = []domain.Generation{}
	}
	return &ListResult{Generations: items, Pagination: page.Paginate(total)}, nil
}

// ListProjects returns all project aggregates.
func (s *GenerationService) ListProjects(ctx context.Context) ([]domain.Project, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return projects, nil
}

func (s *GenerationService) touchProject(ctx context.Context, issueKey, email string) *string {
	key, ok := domain.ExtractProjectKey(issueKey)
	if !ok {
		return nil
	}
	if err := s.projects.Touch(ctx, key, email, s.now().UTC()); err != nil {
		s.logger.Warn("upsert project failed", "project", key, "issue_key", issueKey, "error", err)
		return nil
	}
	return &key
}

// fail persists g as failed. A write error is logged; the caller still
// reports the original failure.
func (s *GenerationService) fail(ctx context.Context, g domain.Generation, cause error) {
	failed := g.Fail(cause.Error(), s.now().UTC())
	if err := s.generations.Update(ctx, failed); err != nil {
		s.logger.Error("save failed generation", "generation_id", g.ID, "error", err)
		return
	}
	s.logger.Warn("generation failed", "generation_id", g.ID, "issue_key", g.IssueKey, "error", cause)
}

// completeWithRetry calls the model up to maxRetries+1 times, sleeping
// 2^attempt seconds between attempts.
func (s *GenerationService) completeWithRetry(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries+1; attempt++ {
		out, err := s.model.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt > s.maxRetries {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		s.logger.Warn("model call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
	}
	return nil, lastErr
}

func classifyTrackerError(issueKey string, err error) *domain.UpstreamError {
	var apiErr *jira.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return &domain.UpstreamError{Kind: domain.UpstreamUnauthorized, Message: "JIRA rejected the configured credentials", Err: err}
		case 404:
			return &domain.UpstreamError{Kind: domain.UpstreamMissing, Message: fmt.Sprintf("JIRA issue %s not found", issueKey), Err: err}
		}
	}
	return &domain.UpstreamError{Kind: domain.UpstreamInternal, Message: "failed to fetch JIRA issue", Err: err}
}

func withHeading(content, issueKey, summary string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "#") {
		return content
	}
	return fmt.Sprintf("# Test Cases for %s: %s\n\n%s", issueKey, summary, content)
}

func documentFilename(issueKey, id string) string {
	return fmt.Sprintf("%s_testcases_%s.md", issueKey, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
