package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/testgen/internal/jira"
	"github.com/sumire/testgen/internal/llm"
	"github.com/sumire/testgen/internal/prompt"
	"github.com/sumire/testgen/internal/repository"
	"github.com/sumire/testgen/internal/service"
)

type stubTracker struct{}

func (stubTracker) GetIssue(_ context.Context, key string) (*jira.Issue, error) {
	if key != "KAN-10" {
		return nil, &jira.APIError{StatusCode: http.StatusNotFound, Messages: []string{"Issue does not exist"}}
	}
	return &jira.Issue{
		Key:         "KAN-10",
		Summary:     "Login button misaligned",
		Description: "Button overlaps footer.",
		Attachments: []jira.Attachment{},
	}, nil
}

type stubModel struct{}

func (stubModel) Complete(context.Context, llm.Request) (*llm.Completion, error) {
	return &llm.Completion{
		Content: "## TC-001\n\n1. Open the page",
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 200, TotalTokens: 300},
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details []FieldError    `json:"details"`
}

func newTestServer(t *testing.T, rateLimit float64) *echo.Echo {
	t.Helper()

	db, err := repository.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = repository.Migrate(context.Background(), db)
	require.NoError(t, err)

	prompts, err := prompt.Default()
	require.NoError(t, err)

	auth := service.NewAuthService(repository.NewUserRepository(db), "handler-secret")
	gens := service.NewGenerationService(service.GenerationDeps{
		Generations: repository.NewGenerationRepository(db),
		Projects:    repository.NewProjectRepository(db),
		Tracker:     stubTracker{},
		Model:       stubModel{},
		Prompts:     prompts,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return NewRouter(RouterConfig{
		Auth:                auth,
		Generations:         gens,
		Ping:                db.PingContext,
		FrontendURL:         "http://localhost:5173",
		GenerationRateLimit: rateLimit,
	})
}

func do(t *testing.T, e *echo.Echo, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func register(t *testing.T, e *echo.Echo, email string) string {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": "correct horse", "name": "Tester",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var data struct {
		AccessToken string `json:"accessToken"`
	}
	decode(t, rec, &data)
	return data.AccessToken
}

func generate(t *testing.T, e *echo.Echo, token string) string {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/generations/testcases", token, map[string]string{"issueKey": "KAN-10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var data struct {
		GenerationID string `json:"generationId"`
	}
	decode(t, rec, &data)
	return data.GenerationID
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, 0)

	rec := do(t, e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"status":"ok"}}`, rec.Body.String())
}

func TestAuthFlow(t *testing.T) {
	e := newTestServer(t, 0)
	token := register(t, e, "qa@example.com")

	rec := do(t, e, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me map[string]any
	decode(t, rec, &me)
	assert.Equal(t, "qa@example.com", me["email"])
	assert.NotContains(t, me, "passwordHash")

	rec = do(t, e, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "QA@example.com", "password": "correct horse", "name": "Dup",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode(t, rec, nil).Code)

	rec = do(t, e, http.MethodPost, "/auth/login", "", map[string]string{"email": "qa@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, http.MethodPost, "/auth/login", "", map[string]string{"email": "qa@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair struct {
		RefreshToken string `json:"refreshToken"`
	}
	decode(t, rec, &pair)

	rec = do(t, e, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestServer(t, 0)

	rec := do(t, e, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "not-an-email", "password": "correct horse", "name": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "validation_error", env.Code)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "email", env.Details[0].Field)
}

func TestRequiresBearerToken(t *testing.T) {
	e := newTestServer(t, 0)

	for _, token := range []string{"", "garbage"} {
		rec := do(t, e, http.MethodGet, "/generations", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		env := decode(t, rec, nil)
		assert.False(t, env.Success)
		assert.Equal(t, "unauthorized", env.Code)
	}
}

func TestGenerationLifecycle(t *testing.T) {
	e := newTestServer(t, 0)
	owner := register(t, e, "owner@example.com")
	other := register(t, e, "other@example.com")

	rec := do(t, e, http.MethodPost, "/generations/testcases", owner, map[string]string{"issueKey": "KAN-10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		GenerationID string `json:"generationId"`
		IssueKey     string `json:"issueKey"`
		Markdown     struct {
			Content  string `json:"content"`
			Filename string `json:"filename"`
		} `json:"markdown"`
		Cost float64 `json:"cost"`
	}
	decode(t, rec, &created)
	id := created.GenerationID
	assert.Equal(t, "KAN-10", created.IssueKey)
	assert.Equal(t, "# Test Cases for KAN-10: Login button misaligned\n\n## TC-001\n\n1. Open the page", created.Markdown.Content)
	assert.Equal(t, fmt.Sprintf("KAN-10_testcases_%s.md", id), created.Markdown.Filename)

	rec = do(t, e, http.MethodGet, "/generations/"+id+"/view", other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, e, http.MethodGet, "/generations/"+id+"/download", other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, content := range []string{"A", "B"} {
		rec = do(t, e, http.MethodPut, "/generations/"+id+"/content", owner, map[string]string{"content": content})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	var edited contentResponse
	decode(t, rec, &edited)
	assert.Equal(t, contentResponse{Content: "B", CurrentVersion: 3}, edited)

	rec = do(t, e, http.MethodPut, "/generations/"+id+"/content", other, map[string]string{"content": "C"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodPut, "/generations/"+id+"/publish", owner, map[string]bool{"published": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var published map[string]any
	decode(t, rec, &published)
	assert.Equal(t, true, published["published"])
	assert.Equal(t, "owner@example.com", published["publishedBy"])
	assert.NotNil(t, published["publishedAt"])

	rec = do(t, e, http.MethodGet, "/generations/"+id+"/view", other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail map[string]any
	decode(t, rec, &detail)
	assert.Equal(t, float64(3), detail["currentVersion"])
	assert.Len(t, detail["version"], 2)

	rec = do(t, e, http.MethodGet, "/generations/"+id+"/download", other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "B", rec.Body.String())
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	disposition, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentDisposition))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, fmt.Sprintf("KAN-10_testcases_%s.md", id), params["filename"])

	rec = do(t, e, http.MethodDelete, "/generations/"+id, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, e, http.MethodDelete, "/generations/"+id, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"message":"Generation deleted"}}`, rec.Body.String())
	rec = do(t, e, http.MethodDelete, "/generations/"+id, owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateIssueNotFound(t *testing.T) {
	e := newTestServer(t, 0)
	token := register(t, e, "owner@example.com")

	rec := do(t, e, http.MethodPost, "/generations/testcases", token, map[string]string{"issueKey": "BAD-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "upstream_not_found", env.Code)
	assert.Equal(t, "JIRA issue BAD-1 not found", env.Error)

	rec = do(t, e, http.MethodGet, "/generations?filter=mine", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Generations []struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"generations"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Generations, 1)
	assert.Equal(t, "failed", list.Generations[0].Status)
	assert.NotEmpty(t, list.Generations[0].Error)
}

func TestGenerateValidation(t *testing.T) {
	e := newTestServer(t, 0)
	token := register(t, e, "owner@example.com")

	rec := do(t, e, http.MethodPost, "/generations/testcases", token, map[string]string{"issueKey": "KAN-10", "mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "mode", env.Details[0].Field)

	rec = do(t, e, http.MethodPost, "/generations/testcases", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPagination(t *testing.T) {
	e := newTestServer(t, 0)
	token := register(t, e, "owner@example.com")
	for i := 0; i < 3; i++ {
		generate(t, e, token)
	}

	rec := do(t, e, http.MethodGet, "/generations?filter=mine&page=2&limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Generations []json.RawMessage `json:"generations"`
		Pagination  map[string]int    `json:"pagination"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Generations, 1)
	assert.Equal(t, map[string]int{"page": 2, "limit": 2, "total": 3, "pages": 2}, list.Pagination)

	rec = do(t, e, http.MethodGet, "/generations?filter=everything", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/generations?limit=500", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 50, list.Pagination["limit"])

	rec = do(t, e, http.MethodGet, "/projects", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var projects []map[string]any
	decode(t, rec, &projects)
	require.Len(t, projects, 1)
	assert.Equal(t, "KAN", projects[0]["key"])
	assert.Equal(t, float64(3), projects[0]["totalGenerations"])
}

func TestPreflight(t *testing.T) {
	e := newTestServer(t, 0)
	token := register(t, e, "owner@example.com")

	rec := do(t, e, http.MethodPost, "/generations/preflight", token, map[string]string{"issueKey": "KAN-10"})
	require.Equal(t, http.StatusOK, rec.Code)
	var pf map[string]any
	decode(t, rec, &pf)
	assert.Equal(t, "Login button misaligned", pf["title"])
	assert.Contains(t, pf, "estimatedTokens")
	assert.Contains(t, pf, "estimatedCost")
}

func TestGenerateRateLimit(t *testing.T) {
	e := newTestServer(t, 1)
	token := register(t, e, "owner@example.com")

	generate(t, e, token)
	rec := do(t, e, http.MethodPost, "/generations/testcases", token, map[string]string{"issueKey": "KAN-10"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec, nil).Code)
}

func TestAttachmentDisposition(t *testing.T) {
	for _, name := range []string{
		"KAN-10_testcases_x.md",
		"KÄN-1_testcases_x.md",
		`we"ird name.md`,
	} {
		v := attachmentDisposition(name)
		disposition, params, err := mime.ParseMediaType(v)
		require.NoError(t, err, v)
		assert.Equal(t, "attachment", disposition)
		assert.Equal(t, name, params["filename"])
	}
}
