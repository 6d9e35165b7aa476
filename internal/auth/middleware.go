package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/pkg/schema"
)

// Middleware requires a valid bearer token and stores the principal in the
// request context. Failures go through echo's error handler as
// UNAUTHENTICATED.
func Middleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearer(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return schema.NewError(schema.ErrCodeUnauthenticated, "missing bearer token")
			}
			p, err := v.Verify(token)
			if err != nil {
				return err
			}
			ctx := access.WithPrincipal(c.Request().Context(), p)
			if p.OrganizationID != "" {
				ctx = logging.WithOrgID(ctx, p.OrganizationID)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
