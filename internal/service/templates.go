package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// CreateTemplate validates tpl and stores it as an active template authored
// by p. Cyclic graphs are rejected here, so executions never see one.
func (s *Service) CreateTemplate(ctx context.Context, p *access.Principal, tpl *schema.WorkflowTemplate) (*schema.WorkflowTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := s.validator.Check(tpl); err != nil {
		return nil, err
	}
	if err := access.CanCreateTemplate(p, tpl.Visibility); err != nil {
		return nil, err
	}

	in := *tpl
	in.ID = ""
	in.AuthorID = p.ID
	in.Active = true
	in.Version = ""
	out, err := s.store.CreateTemplate(ctx, &in)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Ctx(ctx).Str("template_id", out.ID).Str("name", out.Name).Msg("template created")
	return out, nil
}

// TemplatePatch lists the fields UpdateTemplate may change. Nil fields are
// kept.
type TemplatePatch struct {
	Name         *string         `json:"name,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Graph        *schema.Graph   `json:"graph,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// UpdateTemplate applies patch, re-validates the result and bumps the
// version. Running executions keep reading the stored template, so callers
// should treat graph edits as affecting future runs only.
func (s *Service) UpdateTemplate(ctx context.Context, p *access.Principal, id string, patch TemplatePatch) (*schema.WorkflowTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	cur, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CanManageTemplate(p, cur); err != nil {
		return nil, err
	}

	next := *cur
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Graph != nil {
		next.Graph = *patch.Graph
	}
	if patch.InputSchema != nil {
		next.InputSchema = patch.InputSchema
	}
	if patch.OutputSchema != nil {
		next.OutputSchema = patch.OutputSchema
	}
	if err := s.validator.Check(&next); err != nil {
		return nil, err
	}

	version := nextVersion(cur.Version)
	out, err := s.store.UpdateTemplate(ctx, id, store.TemplateUpdate{
		Name:         patch.Name,
		Description:  patch.Description,
		Graph:        patch.Graph,
		InputSchema:  patch.InputSchema,
		OutputSchema: patch.OutputSchema,
		Version:      &version,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Ctx(ctx).Str("template_id", id).Str("version", version).Msg("template updated")
	return out, nil
}

func nextVersion(v string) string {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return "2"
	}
	return strconv.Itoa(n + 1)
}

// DeactivateTemplate soft-deletes a template: it stays readable but can no
// longer be executed.
func (s *Service) DeactivateTemplate(ctx context.Context, p *access.Principal, id string) (*schema.WorkflowTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	cur, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CanManageTemplate(p, cur); err != nil {
		return nil, err
	}
	if !cur.Active {
		return cur, nil
	}
	inactive := false
	return s.store.UpdateTemplate(ctx, id, store.TemplateUpdate{Active: &inactive})
}

// GetTemplate returns a template the caller may use.
func (s *Service) GetTemplate(ctx context.Context, p *access.Principal, id string) (*schema.WorkflowTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.CanUseTemplate(p, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// TemplateListOptions narrows ListTemplates.
type TemplateListOptions struct {
	ActiveOnly bool
	Limit      int
}

// ListTemplates lists shared templates plus those scoped to the caller's
// organization. Super admins see everything.
func (s *Service) ListTemplates(ctx context.Context, p *access.Principal, opts TemplateListOptions) ([]*schema.WorkflowTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	filter := store.TemplateFilter{ActiveOnly: opts.ActiveOnly, Limit: opts.Limit}
	if !p.IsSuperAdmin() {
		filter.OrganizationID = p.OrganizationID
		filter.IncludeShared = true
	}
	return s.store.ListTemplates(ctx, filter)
}

// ValidateTemplate reports every problem in tpl without storing it.
func (s *Service) ValidateTemplate(_ context.Context, p *access.Principal, tpl *schema.WorkflowTemplate) (*schema.ValidationResult, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.validator.ValidateTemplate(tpl), nil
}
