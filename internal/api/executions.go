package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/streaming"
	"github.com/rendis/runway/pkg/schema"
)

func (s *Server) listExecutions(c echo.Context) error {
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	list, err := s.svc.ListExecutions(c.Request().Context(), principal(c), service.ListOptions{
		TemplateID: c.QueryParam("template_id"),
		Status:     schema.ExecutionStatus(c.QueryParam("status")),
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if list == nil {
		list = []*schema.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) getExecution(c echo.Context) error {
	exec, err := s.svc.GetExecution(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *Server) listSteps(c echo.Context) error {
	steps, err := s.svc.Steps(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []*schema.ExecutionStep{}
	}
	return c.JSON(http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) cancel(c echo.Context) error {
	exec, err := s.svc.Cancel(c.Request().Context(), principal(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// stream serves execution snapshots as server-sent events until the
// execution is terminal or the client goes away. Access is checked before
// any event is written.
func (s *Server) stream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.svc.GetExecution(ctx, principal(c), id); err != nil {
		return err
	}
	ctx = logging.WithExecutionID(ctx, id)

	w := c.Response()
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	err := s.pub.Stream(ctx, id, func(snap streaming.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug().Ctx(ctx).Err(err).Msg("status stream ended early")
	}
	return nil
}
