package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const templateColumns = `id, name, subject, component_path, html_content, version, is_active,
	email_type, metadata, created_at, updated_at`

func scanTemplate(row scanner) (EmailTemplate, error) {
	var i EmailTemplate
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Subject,
		&i.ComponentPath,
		&i.HtmlContent,
		&i.Version,
		&i.IsActive,
		&i.EmailType,
		&i.Metadata,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getTemplateByID = `-- name: GetTemplateByID :one
SELECT ` + templateColumns + ` FROM email_templates WHERE id = $1`

func (q *Queries) GetTemplateByID(ctx context.Context, id uuid.UUID) (EmailTemplate, error) {
	return scanTemplate(q.db.QueryRowContext(ctx, getTemplateByID, id))
}

const getActiveTemplateByName = `-- name: GetActiveTemplateByName :one
SELECT ` + templateColumns + ` FROM email_templates WHERE name = $1 AND is_active`

func (q *Queries) GetActiveTemplateByName(ctx context.Context, name string) (EmailTemplate, error) {
	return scanTemplate(q.db.QueryRowContext(ctx, getActiveTemplateByName, name))
}

const getTemplateByNameAndVersion = `-- name: GetTemplateByNameAndVersion :one
SELECT ` + templateColumns + ` FROM email_templates WHERE name = $1 AND version = $2`

type GetTemplateByNameAndVersionParams struct {
	Name    string
	Version int32
}

func (q *Queries) GetTemplateByNameAndVersion(ctx context.Context, arg GetTemplateByNameAndVersionParams) (EmailTemplate, error) {
	return scanTemplate(q.db.QueryRowContext(ctx, getTemplateByNameAndVersion, arg.Name, arg.Version))
}

const getMaxTemplateVersion = `-- name: GetMaxTemplateVersion :one
SELECT COALESCE(MAX(version), 0)::int FROM email_templates WHERE name = $1`

func (q *Queries) GetMaxTemplateVersion(ctx context.Context, name string) (int32, error) {
	var v int32
	err := q.db.QueryRowContext(ctx, getMaxTemplateVersion, name).Scan(&v)
	return v, err
}

const insertTemplate = `-- name: InsertTemplate :one
INSERT INTO email_templates (name, subject, component_path, html_content, version, is_active, email_type, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7::email_classification, $8)
RETURNING ` + templateColumns

type InsertTemplateParams struct {
	Name          string
	Subject       string
	ComponentPath sql.NullString
	HtmlContent   sql.NullString
	Version       int32
	IsActive      bool
	EmailType     EmailClassification
	Metadata      pqtype.NullRawMessage
}

func (q *Queries) InsertTemplate(ctx context.Context, arg InsertTemplateParams) (EmailTemplate, error) {
	row := q.db.QueryRowContext(ctx, insertTemplate,
		arg.Name,
		arg.Subject,
		arg.ComponentPath,
		arg.HtmlContent,
		arg.Version,
		arg.IsActive,
		string(arg.EmailType),
		arg.Metadata,
	)
	return scanTemplate(row)
}

const deactivateTemplatesByName = `-- name: DeactivateTemplatesByName :exec
UPDATE email_templates SET is_active = false, updated_at = now()
WHERE name = $1 AND is_active`

func (q *Queries) DeactivateTemplatesByName(ctx context.Context, name string) error {
	_, err := q.db.ExecContext(ctx, deactivateTemplatesByName, name)
	return err
}

const activateTemplate = `-- name: ActivateTemplate :one
UPDATE email_templates SET is_active = true, updated_at = now()
WHERE id = $1
RETURNING ` + templateColumns

func (q *Queries) ActivateTemplate(ctx context.Context, id uuid.UUID) (EmailTemplate, error) {
	return scanTemplate(q.db.QueryRowContext(ctx, activateTemplate, id))
}
