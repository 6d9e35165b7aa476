package service

import (
	"context"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/diagram"
)

// TemplateDiagram lays out a template's graph.
func (s *Service) TemplateDiagram(ctx context.Context, p *access.Principal, templateID string) (*diagram.Model, error) {
	tpl, err := s.GetTemplate(ctx, p, templateID)
	if err != nil {
		return nil, err
	}
	return diagram.Build(tpl, nil)
}

// ExecutionDiagram lays out the graph of an execution's template with each
// node's latest step status. The template is read as currently stored.
func (s *Service) ExecutionDiagram(ctx context.Context, p *access.Principal, executionID string) (*diagram.Model, error) {
	exec, err := s.GetExecution(ctx, p, executionID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListExecutionSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	model, err := diagram.Build(tpl, steps)
	if err != nil {
		return nil, err
	}
	model.Title = tpl.Name + " / " + exec.ID
	return model, nil
}
