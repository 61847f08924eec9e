package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims accepts both a single "role" claim, as database-issued service
// tokens carry, and a "roles" list.
type Claims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// AllRoles returns Role and Roles merged without duplicates.
func (c *Claims) AllRoles() []string {
	out := make([]string, 0, len(c.Roles)+1)
	seen := make(map[string]bool, len(c.Roles)+1)
	add := func(r string) {
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	add(c.Role)
	for _, r := range c.Roles {
		add(r)
	}
	return out
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper bypasses verification for matching requests. Defaults to
	// AuthSkipper.
	Skipper func(c echo.Context) bool
}

// JWTMiddleware verifies an HS256 bearer token and stores the subject and
// roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	skipper := cfg.Skipper
	if skipper == nil {
		skipper = AuthSkipper
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, claims.Subject, claims.AllRoles())
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin dev
// user. Requests that do carry a token are still verified when a signing key
// is configured.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	verify := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" || len(cfg.SigningKey) == 0 {
				setIdentity(c, "dev-user", []string{"admin"})
				return next(c)
			}
			return verified(c)
		}
	}
}

func setIdentity(c echo.Context, userID string, roles []string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
