package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
// Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether the caller holds admin or one of roles.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// IsStaff reports whether the caller holds any non-patient role.
func IsStaff(ctx context.Context) bool {
	return HasAnyRole(ctx, RoleReceptionist, RoleNurse, RoleDoctor, RoleCashier)
}

// CanActForPatient reports whether the caller may act on patientID's behalf:
// staff always, patients only for their own id.
func CanActForPatient(ctx context.Context, patientID string) bool {
	if IsStaff(ctx) {
		return true
	}
	own := PatientIDFromContext(ctx)
	return own != "" && own == patientID
}
