package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AdminRole passes every RequireRole check.
const AdminRole = "admin"

// StaffRole is granted to daycare staff using the API.
const StaffRole = "staff"

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether granted contains admin or any of required.
func HasAnyRole(granted []string, required ...string) bool {
	for _, has := range granted {
		if has == AdminRole {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}
