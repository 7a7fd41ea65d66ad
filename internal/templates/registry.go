// Package templates resolves email templates, versions them, and renders them
// to the subject and HTML stored in a scheduled email's snapshot.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/store"
)

var (
	ErrTemplateNotFound = errors.New("templates: template not found")

	// ErrRendererNotFound is a catalog error: the template names a component
	// that is not compiled into this binary.
	ErrRendererNotFound = errors.New("templates: renderer component not found")

	// ErrEmptyTemplate means the template has neither a component nor a body.
	ErrEmptyTemplate = errors.New("templates: template has no component and no body")
)

// UnsubscribePlaceholder is replaced in raw bodies with the unsubscribe URL.
const UnsubscribePlaceholder = "{{unsubscribe_url}}"

// Store is the subset of *store.Store the registry needs.
type Store interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error)
	GetActiveTemplateByName(ctx context.Context, name string) (db.EmailTemplate, error)
	GetTemplateByNameAndVersion(ctx context.Context, name string, version int32) (db.EmailTemplate, error)
	CreateTemplateVersion(ctx context.Context, baseID uuid.UUID, p store.NewTemplateVersionParams) (db.EmailTemplate, error)
	ActivateTemplateVersion(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error)
}

// Metadata is the shape of email_templates.metadata.
type Metadata struct {
	DefaultProps map[string]any `json:"default_props,omitempty"`
	Placeholders []string       `json:"placeholders,omitempty"`
}

// Rendered is the output of Render.
type Rendered struct {
	Subject string
	HTML    string
}

// NewVersion is the definition passed to CreateVersion.
type NewVersion struct {
	Subject       string
	ComponentPath string
	HTMLContent   string
	Active        bool
	EmailType     db.EmailClassification
	Metadata      *Metadata
}

type Registry struct {
	store      Store
	components map[string]*Component
	log        *slog.Logger
}

// NewRegistry parses the embedded component catalog.
func NewRegistry(st Store, log *slog.Logger) (*Registry, error) {
	components, err := loadComponents()
	if err != nil {
		return nil, err
	}
	return &Registry{store: st, components: components, log: log}, nil
}

// ─── LOOKUP ───────────────────────────────────────────────────────────────────

func (r *Registry) GetTemplate(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error) {
	t, err := r.store.GetTemplate(ctx, id)
	return t, r.lookupErr(err, "get template %s", id)
}

// GetActiveTemplateByName returns the active version of name. When several
// rows are active the highest version wins.
func (r *Registry) GetActiveTemplateByName(ctx context.Context, name string) (db.EmailTemplate, error) {
	t, err := r.store.GetActiveTemplateByName(ctx, name)
	return t, r.lookupErr(err, "get active template %q", name)
}

// GetTemplateVersion resolves a flow step's locked version. The step stores
// the id of the version it was authored against; the locked version is found
// through that template's name, so later versions never leak into a flow.
func (r *Registry) GetTemplateVersion(ctx context.Context, templateID uuid.UUID, version int32) (db.EmailTemplate, error) {
	t, err := r.GetTemplate(ctx, templateID)
	if err != nil {
		return db.EmailTemplate{}, err
	}
	if version == 0 || t.Version == version {
		return t, nil
	}
	locked, err := r.store.GetTemplateByNameAndVersion(ctx, t.Name, version)
	return locked, r.lookupErr(err, "get template %q version %d", t.Name, version)
}

func (r *Registry) lookupErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("templates: "+format+": %w", append(args, err)...)
}

// ─── VERSIONING ───────────────────────────────────────────────────────────────

// CreateVersion adds version max+1 under templateID's name. An active new
// version deactivates its siblings first.
func (r *Registry) CreateVersion(ctx context.Context, templateID uuid.UUID, v NewVersion) (db.EmailTemplate, error) {
	if v.ComponentPath != "" {
		if _, ok := r.components[componentName(v.ComponentPath)]; !ok {
			return db.EmailTemplate{}, fmt.Errorf("%w: %q", ErrRendererNotFound, v.ComponentPath)
		}
	} else if v.HTMLContent == "" {
		return db.EmailTemplate{}, ErrEmptyTemplate
	}

	var md pqtype.NullRawMessage
	if v.Metadata != nil {
		raw, err := json.Marshal(v.Metadata)
		if err != nil {
			return db.EmailTemplate{}, fmt.Errorf("templates: marshal metadata: %w", err)
		}
		md = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	t, err := r.store.CreateTemplateVersion(ctx, templateID, store.NewTemplateVersionParams{
		Subject:       v.Subject,
		ComponentPath: v.ComponentPath,
		HTMLContent:   v.HTMLContent,
		IsActive:      v.Active,
		EmailType:     v.EmailType,
		Metadata:      md,
	})
	if err != nil {
		return db.EmailTemplate{}, r.lookupErr(err, "create version of %s", templateID)
	}

	r.log.Info("template version created", "template", t.Name, "version", t.Version, "active", t.IsActive)
	return t, nil
}

// ActivateVersion makes templateID the only active version of its name.
func (r *Registry) ActivateVersion(ctx context.Context, templateID uuid.UUID) (db.EmailTemplate, error) {
	t, err := r.store.ActivateTemplateVersion(ctx, templateID)
	if err != nil {
		return db.EmailTemplate{}, r.lookupErr(err, "activate %s", templateID)
	}
	r.log.Info("template version activated", "template", t.Name, "version", t.Version)
	return t, nil
}

// ─── RENDERING ────────────────────────────────────────────────────────────────

// Render produces the subject and HTML body of t.
//
// Component templates receive default_props, then vars, then unsubscribeUrl,
// later keys winning. Raw bodies get literal {{key}} substitution for every
// var plus the unsubscribe placeholder; unknown placeholders stay as they are.
// Values are HTML-escaped in a raw body. The subject is plain text and is
// substituted unescaped in both cases.
func (r *Registry) Render(t db.EmailTemplate, vars map[string]any, unsubscribeURL string) (Rendered, error) {
	subject := substitute(t.Subject, vars, unsubscribeURL, false)

	if t.ComponentPath.Valid && t.ComponentPath.String != "" {
		c, ok := r.components[componentName(t.ComponentPath.String)]
		if !ok {
			return Rendered{}, fmt.Errorf("%w: %q (template %s v%d)", ErrRendererNotFound, t.ComponentPath.String, t.Name, t.Version)
		}

		md, err := ParseMetadata(t.Metadata)
		if err != nil {
			return Rendered{}, err
		}
		props := make(map[string]any, len(md.DefaultProps)+len(vars)+2)
		maps.Copy(props, md.DefaultProps)
		maps.Copy(props, vars)
		props["unsubscribeUrl"] = unsubscribeURL
		props["subject"] = subject

		body, err := c.Render(props)
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{Subject: subject, HTML: body}, nil
	}

	if !t.HtmlContent.Valid || t.HtmlContent.String == "" {
		return Rendered{}, fmt.Errorf("%w: %s v%d", ErrEmptyTemplate, t.Name, t.Version)
	}
	return Rendered{Subject: subject, HTML: substitute(t.HtmlContent.String, vars, unsubscribeURL, true)}, nil
}

// ParseMetadata decodes email_templates.metadata. A null column yields the
// zero Metadata.
func ParseMetadata(raw pqtype.NullRawMessage) (Metadata, error) {
	var md Metadata
	if !raw.Valid || len(raw.RawMessage) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw.RawMessage, &md); err != nil {
		return md, fmt.Errorf("templates: decode metadata: %w", err)
	}
	return md, nil
}

func substitute(s string, vars map[string]any, unsubscribeURL string, escape bool) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	value := func(v string) string {
		if escape {
			return html.EscapeString(v)
		}
		return v
	}
	pairs := make([]string, 0, 2*len(vars)+2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", value(fmt.Sprint(v)))
	}
	pairs = append(pairs, UnsubscribePlaceholder, value(unsubscribeURL))
	return strings.NewReplacer(pairs...).Replace(s)
}
