package handler

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/testgen/internal/domain"
	"github.com/sumire/testgen/internal/service"
)

// GenerationHandler handles the generation endpoints.
type GenerationHandler struct {
	generations *service.GenerationService
}

// NewGenerationHandler creates a new GenerationHandler.
func NewGenerationHandler(generations *service.GenerationService) *GenerationHandler {
	return &GenerationHandler{generations: generations}
}

type issueRequest struct {
	IssueKey string `json:"issueKey" validate:"required,max=64"`
}

type generateRequest struct {
	IssueKey string `json:"issueKey" validate:"required,max=64"`
	Mode     string `json:"mode" validate:"omitempty,oneof=manual auto"`
}

type generateResponse struct {
	GenerationID          string           `json:"generationId"`
	IssueKey              string           `json:"issueKey"`
	Markdown              *domain.Markdown `json:"markdown"`
	GenerationTimeSeconds float64          `json:"generationTimeSeconds"`
	Cost                  float64          `json:"cost"`
}

type listQuery struct {
	Page   int    `query:"page"`
	Limit  int    `query:"limit"`
	Filter string `query:"filter"`
}

type contentRequest struct {
	Content *string `json:"content" validate:"required"`
	Notes   string  `json:"notes" validate:"max=500"`
}

type contentResponse struct {
	Content        string `json:"content"`
	CurrentVersion int    `json:"currentVersion"`
}

type publishRequest struct {
	Published *bool `json:"published" validate:"required"`
}

type publishResponse struct {
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"publishedAt"`
	PublishedBy *string    `json:"publishedBy"`
}

// Preflight estimates tokens and cost for an issue.
func (h *GenerationHandler) Preflight(c echo.Context) error {
	var req issueRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	pf, err := h.generations.Preflight(c.Request().Context(), req.IssueKey)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, pf)
}

// List returns a page of generations visible to the caller.
func (h *GenerationHandler) List(c echo.Context) error {
	var q listQuery
	if err := c.Bind(&q); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	filter, err := domain.ParseListFilter(q.Filter, GetUserEmail(c))
	if err != nil {
		return &domain.ValidationError{Field: "filter", Message: "must be one of all, mine, published"}
	}

	res, err := h.generations.List(c.Request().Context(), filter, domain.NewPage(q.Page, q.Limit))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, res)
}

// Generate runs a generation synchronously. It is detached from the request
// context so a client disconnect does not abort it.
func (h *GenerationHandler) Generate(c echo.Context) error {
	var req generateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx := context.WithoutCancel(c.Request().Context())
	g, err := h.generations.CreateGeneration(ctx, req.IssueKey, GetUserEmail(c), req.Mode)
	if err != nil {
		return err
	}

	return JSON(c, http.StatusCreated, generateResponse{
		GenerationID:          g.ID,
		IssueKey:              g.IssueKey,
		Markdown:              g.Result.Markdown,
		GenerationTimeSeconds: g.GenerationTimeSeconds,
		Cost:                  g.Cost,
	})
}

// View returns a generation with its version history.
func (h *GenerationHandler) View(c echo.Context) error {
	g, err := h.generations.Get(c.Request().Context(), c.Param("id"), GetUserEmail(c))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, g)
}

// UpdateContent replaces the document body.
func (h *GenerationHandler) UpdateContent(c echo.Context) error {
	var req contentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	g, err := h.generations.UpdateContent(c.Request().Context(), c.Param("id"), GetUserEmail(c), *req.Content, req.Notes)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, contentResponse{
		Content:        g.Content(),
		CurrentVersion: g.CurrentVersion,
	})
}

// Publish sets the publication state.
func (h *GenerationHandler) Publish(c echo.Context) error {
	var req publishRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	g, err := h.generations.SetPublished(c.Request().Context(), c.Param("id"), GetUserEmail(c), *req.Published)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, publishResponse{
		Published:   g.Published,
		PublishedAt: g.PublishedAt,
		PublishedBy: g.PublishedBy,
	})
}

// Download streams the document as a markdown attachment.
func (h *GenerationHandler) Download(c echo.Context) error {
	md, err := h.generations.Download(c.Request().Context(), c.Param("id"), GetUserEmail(c))
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, attachmentDisposition(md.Filename))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(md.Content))
}

// Delete removes a generation owned by the caller.
func (h *GenerationHandler) Delete(c echo.Context) error {
	if err := h.generations.Delete(c.Request().Context(), c.Param("id"), GetUserEmail(c)); err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]string{"message": "Generation deleted"})
}

// ListProjects returns project aggregates.
func (h *GenerationHandler) ListProjects(c echo.Context) error {
	projects, err := h.generations.ListProjects(c.Request().Context())
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, projects)
}

// attachmentDisposition formats an RFC 6266 header value, using the RFC 2231
// extended form for non-ASCII names.
func attachmentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
