package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const OperatorKey contextKey = "operator"

// Middleware validates the bearer token and stores the operator name in the context.
func (s *Service) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
		}

		operator, err := s.ParseToken(parts[1])
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}

		c.Set(string(OperatorKey), operator)
		return next(c)
	}
}

// OperatorFromContext returns the operator set by Middleware.
func OperatorFromContext(c echo.Context) (string, error) {
	op, ok := c.Get(string(OperatorKey)).(string)
	if !ok || op == "" {
		return "", errors.New("operator not found in context")
	}
	return op, nil
}
