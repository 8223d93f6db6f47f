package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the caller has one of the
// specified roles. The super role always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			have := RoleFromContext(c.Request().Context())
			if have == RoleSuper {
				return next(c)
			}
			for _, required := range roles {
				if have == required || have == "admin" {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// SameClinic reports whether the caller may access a resource owned by
// resourceClinic. Cross-clinic access is reserved for the super role;
// callers should surface a mismatch as not-found, never as forbidden, so the
// existence of foreign resources is not leaked.
func SameClinic(ctx context.Context, resourceClinic uuid.UUID) bool {
	if IsSuper(ctx) {
		return true
	}
	return ClinicFromContext(ctx) == resourceClinic
}
