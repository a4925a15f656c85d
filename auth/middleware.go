package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const operatorKey = "auth.operator"

// TokenVerifier is the part of Service the middleware needs.
type TokenVerifier interface {
	VerifyToken(token string) (Claims, error)
}

// RequireOperator rejects requests without a valid bearer token. When roles
// are given the token's role must be one of them.
func RequireOperator(v TokenVerifier, roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims, err := v.VerifyToken(strings.TrimSpace(token))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			if len(roles) > 0 && !hasRole(roles, claims.Role) {
				return echo.NewHTTPError(http.StatusForbidden, "operator role not permitted")
			}

			c.Set(operatorKey, claims)
			return next(c)
		}
	}
}

// OperatorFrom returns the claims RequireOperator stored on the request.
func OperatorFrom(c echo.Context) (Claims, bool) {
	claims, ok := c.Get(operatorKey).(Claims)
	return claims, ok
}

func hasRole(allowed []Role, role Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
