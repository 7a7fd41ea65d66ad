package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/productcareerlyst/emailflows/internal/db"
)

// NewTemplateVersionParams is the definition of a new template version. The
// name is always copied from the base template.
type NewTemplateVersionParams struct {
	Subject       string
	ComponentPath string
	HTMLContent   string
	IsActive      bool
	EmailType     db.EmailClassification
	Metadata      pqtype.NullRawMessage
}

func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error) {
	t, err := s.q.GetTemplateByID(ctx, id)
	if err != nil {
		return db.EmailTemplate{}, notFound("GetTemplate", err)
	}
	return t, nil
}

func (s *Store) GetActiveTemplateByName(ctx context.Context, name string) (db.EmailTemplate, error) {
	t, err := s.q.GetActiveTemplateByName(ctx, name)
	if err != nil {
		return db.EmailTemplate{}, notFound("GetActiveTemplateByName", err)
	}
	return t, nil
}

func (s *Store) GetTemplateByNameAndVersion(ctx context.Context, name string, version int32) (db.EmailTemplate, error) {
	t, err := s.q.GetTemplateByNameAndVersion(ctx, db.GetTemplateByNameAndVersionParams{Name: name, Version: version})
	if err != nil {
		return db.EmailTemplate{}, notFound("GetTemplateByNameAndVersion", err)
	}
	return t, nil
}

// CreateTemplateVersion inserts version max+1 of baseID's name. When the new
// version is active every sibling is deactivated first, inside the same
// transaction, so the single-active-version index is never violated.
func (s *Store) CreateTemplateVersion(ctx context.Context, baseID uuid.UUID, p NewTemplateVersionParams) (db.EmailTemplate, error) {
	var created db.EmailTemplate

	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		base, err := q.GetTemplateByID(ctx, baseID)
		if err != nil {
			return notFound("CreateTemplateVersion: get base", err)
		}

		maxVersion, err := q.GetMaxTemplateVersion(ctx, base.Name)
		if err != nil {
			return fmt.Errorf("CreateTemplateVersion: max version: %w", err)
		}

		if p.IsActive {
			if err := q.DeactivateTemplatesByName(ctx, base.Name); err != nil {
				return fmt.Errorf("CreateTemplateVersion: deactivate siblings: %w", err)
			}
		}

		emailType := p.EmailType
		if emailType == "" {
			emailType = base.EmailType
		}

		created, err = q.InsertTemplate(ctx, db.InsertTemplateParams{
			Name:          base.Name,
			Subject:       p.Subject,
			ComponentPath: sql.NullString{String: p.ComponentPath, Valid: p.ComponentPath != ""},
			HtmlContent:   sql.NullString{String: p.HTMLContent, Valid: p.HTMLContent != ""},
			Version:       maxVersion + 1,
			IsActive:      p.IsActive,
			EmailType:     emailType,
			Metadata:      p.Metadata,
		})
		if err != nil {
			return fmt.Errorf("CreateTemplateVersion: insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return db.EmailTemplate{}, err
	}
	return created, nil
}

// ActivateTemplateVersion deactivates every version sharing id's name, then
// activates id.
func (s *Store) ActivateTemplateVersion(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error) {
	var activated db.EmailTemplate

	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		t, err := q.GetTemplateByID(ctx, id)
		if err != nil {
			return notFound("ActivateTemplateVersion: get", err)
		}
		if err := q.DeactivateTemplatesByName(ctx, t.Name); err != nil {
			return fmt.Errorf("ActivateTemplateVersion: deactivate siblings: %w", err)
		}
		activated, err = q.ActivateTemplate(ctx, id)
		if err != nil {
			return fmt.Errorf("ActivateTemplateVersion: activate: %w", err)
		}
		return nil
	})
	if err != nil {
		return db.EmailTemplate{}, err
	}
	return activated, nil
}
