package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/pkg/schema"
)

const codeInternal = "INTERNAL"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// handleError renders every handler error as {"error":{"code","message"}}.
// Causes are logged, never returned.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := toResponse(err)
	ev := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Ctx(c.Request().Context()).Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Int("status", status).
		Msg("request failed")

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("write error response")
	}
}

func toResponse(err error) (int, errorBody) {
	var se *schema.Error
	if errors.As(err, &se) {
		d := errorDetail{Code: se.Code, Message: se.Message}
		if se.Code == schema.ErrCodeValidation || se.Code == schema.ErrCodeInvalidTransition {
			d.Details = se.Details
		}
		status := schema.HTTPStatus(se.Code)
		if status == http.StatusInternalServerError {
			d.Message = "internal error"
		}
		return status, errorBody{d}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, errorBody{errorDetail{Code: codeForStatus(he.Code), Message: fmt.Sprint(he.Message)}}
	}

	return http.StatusInternalServerError, errorBody{errorDetail{Code: codeInternal, Message: "internal error"}}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return schema.ErrCodeValidation
	case http.StatusUnauthorized:
		return schema.ErrCodeUnauthenticated
	case http.StatusForbidden:
		return schema.ErrCodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return schema.ErrCodeNotFound
	}
	return codeInternal
}

func badRequest(msg string, cause error) error {
	return schema.NewError(schema.ErrCodeValidation, msg).WithCause(cause)
}
