package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode selects the prompt style used for a generation.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// ParseMode validates a mode string. An empty string means manual.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeManual:
		return ModeManual, nil
	case ModeAuto:
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
	}
}

// GenerationStatus is the terminal state of a generation. It is empty while the
// generation is still in flight.
type GenerationStatus string

const (
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// TokenUsage mirrors the usage block reported by the model provider.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Markdown is the generated document body.
type Markdown struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

// Result holds the artifacts produced by a successful generation.
type Result struct {
	Markdown *Markdown `json:"markdown,omitempty"`
}

// Version is an immutable snapshot of content that was later replaced.
type Version struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
	Notes     string    `json:"notes"`
}

// Generation is one attempt at producing test cases for an issue.
type Generation struct {
	ID       string  `json:"id"`
	IssueKey string  `json:"issueKey"`
	Email    string  `json:"email"`
	Project  *string `json:"project,omitempty"`

	Mode        Mode             `json:"mode"`
	Status      GenerationStatus `json:"status,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`

	GenerationTimeSeconds float64    `json:"generationTimeSeconds"`
	Cost                  float64    `json:"cost"`
	TokenUsage            TokenUsage `json:"tokenUsage"`

	Result         Result    `json:"result"`
	Versions       []Version `json:"version"`
	CurrentVersion int       `json:"currentVersion"`

	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	PublishedBy *string    `json:"publishedBy,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewGeneration returns an in-flight generation started at now.
func NewGeneration(id, issueKey, email string, project *string, mode Mode, now time.Time) Generation {
	return Generation{
		ID:             id,
		IssueKey:       issueKey,
		Email:          email,
		Project:        project,
		Mode:           mode,
		CreatedAt:      now,
		StartedAt:      now,
		CurrentVersion: 1,
		Versions:       []Version{},
	}
}

// IsOwner reports whether email created the generation.
func (g Generation) IsOwner(email string) bool {
	return g.Email == email
}

// CanView reports whether email may read the generation: owners always can,
// everyone else only once it is completed and published.
func (g Generation) CanView(email string) bool {
	return g.IsOwner(email) || (g.Published && g.Status == GenerationCompleted)
}

// Content returns the live document body, or "" when there is none.
func (g Generation) Content() string {
	if g.Result.Markdown == nil {
		return ""
	}
	return g.Result.Markdown.Content
}

// HasVersion reports whether a snapshot for version n was already recorded.
func (g Generation) HasVersion(n int) bool {
	for _, v := range g.Versions {
		if v.Version == n {
			return true
		}
	}
	return false
}

// Complete returns the generation resolved as completed with the given document.
func (g Generation) Complete(md Markdown, usage TokenUsage, cost float64, now time.Time) Generation {
	next := g.clone()
	next.Status = GenerationCompleted
	next.Error = ""
	next.Result = Result{Markdown: &md}
	next.TokenUsage = usage
	next.Cost = cost
	next.GenerationTimeSeconds = RoundSeconds(now.Sub(g.StartedAt))
	next.CompletedAt = &now
	next.CurrentVersion = 1
	next.Versions = []Version{}
	return next
}

// Fail returns the generation resolved as failed with msg.
func (g Generation) Fail(msg string, now time.Time) Generation {
	next := g.clone()
	next.Status = GenerationFailed
	next.Error = msg
	next.Result = Result{}
	next.CompletedAt = &now
	return next
}

// WithContent returns the generation with content as its live document. When
// content differs from the current body the outgoing body is snapshotted under
// the current version number and the version is bumped; changed reports that.
func (g Generation) WithContent(content, editor, notes string, now time.Time) (next Generation, changed bool) {
	next = g.clone()
	current := g.Content()
	if content != current {
		if !next.HasVersion(g.CurrentVersion) {
			next.Versions = append(next.Versions, Version{
				Version:   g.CurrentVersion,
				Content:   current,
				UpdatedAt: now,
				UpdatedBy: editor,
				Notes:     notes,
			})
		}
		next.CurrentVersion = g.CurrentVersion + 1
		changed = true
	}

	md := Markdown{Content: content}
	if g.Result.Markdown != nil {
		md.Filename = g.Result.Markdown.Filename
	}
	next.Result = Result{Markdown: &md}
	return next, changed
}

// WithPublished returns the generation with its publication state set. Publishing
// stamps the audit fields, unpublishing clears them.
func (g Generation) WithPublished(published bool, by string, now time.Time) Generation {
	next := g.clone()
	next.Published = published
	if published {
		next.PublishedAt = &now
		next.PublishedBy = &by
	} else {
		next.PublishedAt = nil
		next.PublishedBy = nil
	}
	return next
}

func (g Generation) clone() Generation {
	next := g
	next.Versions = make([]Version, len(g.Versions))
	copy(next.Versions, g.Versions)
	if g.Result.Markdown != nil {
		md := *g.Result.Markdown
		next.Result.Markdown = &md
	}
	return next
}

// RoundSeconds converts d to seconds rounded to two decimals.
func RoundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
