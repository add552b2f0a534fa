package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sumire/testgen/internal/domain"
)

// UpdateContent replaces the live document of an owned, completed generation.
// A changed body snapshots the previous one and bumps currentVersion.
func (s *GenerationService) UpdateContent(ctx context.Context, id, email, content, notes string) (*domain.Generation, error) {
	g, err := s.loadEditable(ctx, id, email)
	if err != nil {
		return nil, err
	}

	next, changed := g.WithContent(content, email, notes, s.now().UTC())
	if err := s.generations.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("save generation %s: %w", id, err)
	}

	if changed {
		s.logger.Info("generation content updated", "generation_id", id, "version", next.CurrentVersion)
		if next.Published {
			s.mirrorDocument(ctx, next)
		}
	}
	return &next, nil
}

// SetPublished sets the publication state of an owned, completed generation.
// Repeating the current state only refreshes the audit fields.
func (s *GenerationService) SetPublished(ctx context.Context, id, email string, published bool) (*domain.Generation, error) {
	g, err := s.loadEditable(ctx, id, email)
	if err != nil {
		return nil, err
	}

	next := g.WithPublished(published, email, s.now().UTC())
	if err := s.generations.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("save generation %s: %w", id, err)
	}

	s.logger.Info("generation publication changed", "generation_id", id, "published", published)
	if published {
		s.mirrorDocument(ctx, next)
	} else if g.Published {
		s.removeMirrored(ctx, next)
	}
	return &next, nil
}

// loadEditable collapses missing and not-owned into domain.ErrNotFound and
// rejects generations that are not completed.
func (s *GenerationService) loadEditable(ctx context.Context, id, email string) (*domain.Generation, error) {
	g, err := s.generations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if !g.IsOwner(email) {
		return nil, domain.ErrNotFound
	}
	if g.Status != domain.GenerationCompleted {
		return nil, fmt.Errorf("%w: only completed generations can be changed", domain.ErrInvalidState)
	}
	return g, nil
}

func (s *GenerationService) mirrorDocument(ctx context.Context, g domain.Generation) {
	if s.mirror == nil || g.Result.Markdown == nil {
		return
	}
	if err := s.mirror.PutDocument(ctx, g.Result.Markdown.Filename, g.Result.Markdown.Content); err != nil {
		s.logger.Warn("mirror published document failed", "generation_id", g.ID, "error", err)
	}
}

func (s *GenerationService) removeMirrored(ctx context.Context, g domain.Generation) {
	if s.mirror == nil || g.Result.Markdown == nil {
		return
	}
	if err := s.mirror.DeleteDocument(ctx, g.Result.Markdown.Filename); err != nil {
		s.logger.Warn("remove mirrored document failed", "generation_id", g.ID, "error", err)
	}
}
