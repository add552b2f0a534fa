// Package jira provides a client for fetching issues from the JIRA Cloud REST API.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Config holds JIRA connection settings.
type Config struct {
	BaseURL string // e.g. https://your-team.atlassian.net
	Email   string // account email; when set the token is sent with basic auth (Cloud)
	Token   string // API token (Cloud) or Personal Access Token (Server)
	Timeout time.Duration
}

// Client is a JIRA REST API client.
type Client struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client
}

// New creates a new JIRA client. Without an email the token is sent as a
// bearer token.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.Email == "" && cfg.Token != "" {
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		email:      cfg.Email,
		token:      cfg.Token,
		httpClient: httpClient,
	}
}

// Attachment describes a file attached to an issue.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// IsImage reports whether the attachment is an image, judged by its MIME type
// or, when the tracker omits one, by its file extension.
func (a Attachment) IsImage() bool {
	mt := a.MimeType
	if mt == "" {
		mt = mime.TypeByExtension(strings.ToLower(path.Ext(a.Filename)))
	}
	return strings.HasPrefix(strings.ToLower(mt), "image/")
}

// Issue is the plain-text view of an issue used to build prompts.
type Issue struct {
	Key         string       `json:"key"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Attachments []Attachment `json:"attachments"`
}

// ImageCount returns the number of image attachments.
func (i Issue) ImageCount() int {
	n := 0
	for _, a := range i.Attachments {
		if a.IsImage() {
			n++
		}
	}
	return n
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		Attachment  []Attachment    `json:"attachment"`
	} `json:"fields"`
}

// APIError is returned when JIRA answers with a non-200 status.
type APIError struct {
	StatusCode int
	Messages   []string
	Body       string
}

func (e *APIError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("JIRA API returned %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
	}
	return fmt.Sprintf("JIRA API returned %d: %s", e.StatusCode, e.Body)
}

// GetIssue fetches an issue and flattens its description to plain text.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	params := url.Values{"fields": {"summary,description,attachment"}}
	reqURL := fmt.Sprintf("%s/rest/api/3/issue/%s?%s", c.baseURL, url.PathEscape(key), params.Encode())

	body, err := c.doGet(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	var resp issueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode issue %s: %w", key, err)
	}

	description, err := descriptionText(resp.Fields.Description)
	if err != nil {
		return nil, fmt.Errorf("decode description of %s: %w", key, err)
	}

	attachments := resp.Fields.Attachment
	if attachments == nil {
		attachments = []Attachment{}
	}
	return &Issue{
		Key:         resp.Key,
		Summary:     resp.Fields.Summary,
		Description: description,
		Attachments: attachments,
	}, nil
}

// descriptionText accepts both the v3 ADF document and the v2 plain string.
func descriptionText(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	return ExtractText(doc), nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.email != "" {
		req.SetBasicAuth(c.email, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(body, 200)}
		var payload struct {
			ErrorMessages []string `json:"errorMessages"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Messages = payload.ErrorMessages
		}
		return nil, apiErr
	}

	return body, nil
}

// truncate returns at most n bytes of body as valid UTF-8.
func truncate(body []byte, n int) string {
	return strings.ToValidUTF8(string(body[:min(len(body), n)]), "")
}
