package api

import (
	"net/http"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/templates"
)

type templateResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Version       int32  `json:"version"`
	Subject       string `json:"subject"`
	ComponentPath string `json:"component_path,omitempty"`
	IsActive      bool   `json:"is_active"`
	EmailType     string `json:"email_type"`
}

func toTemplateResponse(t db.EmailTemplate) templateResponse {
	return templateResponse{
		ID:            t.ID.String(),
		Name:          t.Name,
		Version:       t.Version,
		Subject:       t.Subject,
		ComponentPath: t.ComponentPath.String,
		IsActive:      t.IsActive,
		EmailType:     string(t.EmailType),
	}
}

// ─── POST /api/templates/{templateID}/versions ────────────────────────────────

type createVersionRequest struct {
	Subject       string              `json:"subject" validate:"required,max=998"`
	ComponentPath string              `json:"component_path"`
	HTMLContent   string              `json:"html_content"`
	Active        bool                `json:"active"`
	EmailType     string              `json:"email_type" validate:"omitempty,oneof=transactional marketing"`
	Metadata      *templates.Metadata `json:"metadata"`
}

// handleCreateTemplateVersion adds the next version under the template's
// name. Existing scheduled emails keep rendering their own snapshot.
func (s *Server) handleCreateTemplateVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "templateID")
	if !ok {
		return
	}
	var req createVersionRequest
	if !s.decode(w, r, &req) {
		return
	}

	t, err := s.deps.Templates.CreateVersion(r.Context(), id, templates.NewVersion{
		Subject:       req.Subject,
		ComponentPath: req.ComponentPath,
		HTMLContent:   req.HTMLContent,
		Active:        req.Active,
		EmailType:     db.EmailClassification(req.EmailType),
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, toTemplateResponse(t))
}

// ─── POST /api/templates/{templateID}/activate ────────────────────────────────

func (s *Server) handleActivateTemplateVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "templateID")
	if !ok {
		return
	}

	t, err := s.deps.Templates.ActivateVersion(r.Context(), id)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toTemplateResponse(t))
}
