package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/diagram"
)

func (s *Server) templateDiagram(c echo.Context) error {
	return s.renderDiagram(c, func() (*diagram.Model, error) {
		return s.svc.TemplateDiagram(c.Request().Context(), principal(c), c.Param("id"))
	})
}

func (s *Server) executionDiagram(c echo.Context) error {
	return s.renderDiagram(c, func() (*diagram.Model, error) {
		return s.svc.ExecutionDiagram(c.Request().Context(), principal(c), c.Param("id"))
	})
}

// renderDiagram encodes the model in the ?format= query parameter.
func (s *Server) renderDiagram(c echo.Context, build func() (*diagram.Model, error)) error {
	format, err := diagram.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	model, err := build()
	if err != nil {
		return err
	}
	body, err := diagram.Render(c.Request().Context(), model, format)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, format.ContentType(), body)
}
