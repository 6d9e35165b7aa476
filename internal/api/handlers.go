package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/pkg/schema"
)

// maxListLimit caps list endpoints.
const maxListLimit = 50

func principal(c echo.Context) *access.Principal {
	return access.PrincipalFrom(c.Request().Context())
}

// listLimit reads ?limit, defaulting to and capped at maxListLimit.
func listLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return maxListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, schema.NewError(schema.ErrCodeValidation, "limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return badRequest("request body is not valid JSON", err)
	}
	return nil
}

func (s *Server) queueStats(c echo.Context) error {
	counts, err := s.svc.QueueStats(c.Request().Context(), principal(c), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}
