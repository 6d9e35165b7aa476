package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/pkg/schema"
)

func (s *Server) createTemplate(c echo.Context) error {
	var tpl schema.WorkflowTemplate
	if err := bind(c, &tpl); err != nil {
		return err
	}
	out, err := s.svc.CreateTemplate(c.Request().Context(), principal(c), &tpl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) listTemplates(c echo.Context) error {
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	list, err := s.svc.ListTemplates(c.Request().Context(), principal(c), service.TemplateListOptions{
		ActiveOnly: c.QueryParam("active") == "true",
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if list == nil {
		list = []*schema.WorkflowTemplate{}
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) validateTemplate(c echo.Context) error {
	var tpl schema.WorkflowTemplate
	if err := bind(c, &tpl); err != nil {
		return err
	}
	res, err := s.svc.ValidateTemplate(c.Request().Context(), principal(c), &tpl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, validateResponse{
		Valid:    res.Valid(),
		Errors:   orEmpty(res.Errors),
		Warnings: orEmpty(res.Warnings),
	})
}

func (s *Server) getTemplate(c echo.Context) error {
	tpl, err := s.svc.GetTemplate(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

func (s *Server) updateTemplate(c echo.Context) error {
	var patch service.TemplatePatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	tpl, err := s.svc.UpdateTemplate(c.Request().Context(), principal(c), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

func (s *Server) deactivateTemplate(c echo.Context) error {
	tpl, err := s.svc.DeactivateTemplate(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

type validateResponse struct {
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type executeBody struct {
	Input    json.RawMessage `json:"input"`
	Priority int             `json:"priority"`
}

type executeResponse struct {
	ExecutionID string                 `json:"executionId"`
	JobID       string                 `json:"jobId"`
	Status      schema.ExecutionStatus `json:"status"`
}

// execute answers 202 as soon as the run is queued.
func (s *Server) execute(c echo.Context) error {
	var body executeBody
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := s.svc.Execute(c.Request().Context(), principal(c), service.ExecuteRequest{
		TemplateID: c.Param("id"),
		Input:      body.Input,
		Priority:   body.Priority,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, executeResponse{
		ExecutionID: res.Execution.ID,
		JobID:       res.JobID,
		Status:      res.Execution.Status,
	})
}
