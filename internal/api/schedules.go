package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/store"
)

func (s *Server) createSchedule(c echo.Context) error {
	var req service.ScheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sc, err := s.svc.CreateSchedule(c.Request().Context(), principal(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sc)
}

func (s *Server) listSchedules(c echo.Context) error {
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	list, err := s.svc.ListSchedules(c.Request().Context(), principal(c), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*store.Schedule{}
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) enableSchedule(c echo.Context) error  { return s.setSchedule(c, true) }
func (s *Server) disableSchedule(c echo.Context) error { return s.setSchedule(c, false) }

func (s *Server) setSchedule(c echo.Context, enabled bool) error {
	sc, err := s.svc.SetScheduleEnabled(c.Request().Context(), principal(c), c.Param("id"), enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.svc.DeleteSchedule(c.Request().Context(), principal(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
