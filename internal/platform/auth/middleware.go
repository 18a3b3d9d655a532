// Package auth authenticates API callers from bearer JWTs and enforces the
// clinical roles allowed on each route.
package auth

import (
	"context"
	"errors"
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

// Claims are the token claims the API relies on. Roles may arrive as a
// top-level "roles" array or, for Keycloak-style issuers, under
// realm_access.roles.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// AllRoles merges the top-level and realm roles without duplicates.
func (c *Claims) AllRoles() []string {
	seen := make(map[string]struct{}, len(c.Roles)+len(c.RealmAccess.Roles))
	var out []string
	for _, group := range [][]string{c.Roles, c.RealmAccess.Roles} {
		for _, r := range group {
			if _, ok := seen[r]; ok || r == "" {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL is discovered from the issuer when empty.
	JWKSURL string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

var errNoVerificationKey = errors.New("no token verification key configured")

// keyFunc resolves how tokens are verified once, at construction time.
func (cfg JWTConfig) keyFunc() jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		return func(*jwt.Token) (interface{}, error) {
			return cfg.SigningKey, nil
		}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if provider, err := NewOIDCProvider(cfg.Issuer); err == nil {
			jwksURL = provider.JWKSURI
		}
	}
	if jwksURL == "" {
		return func(*jwt.Token) (interface{}, error) {
			return nil, errNoVerificationKey
		}
	}
	return jwksKeyFunc(jwksURL)
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), claims.Subject, claims.AllRoles())))
			return next(c)
		}
	}
}

// DevAuthMiddleware authenticates every request as "dev-user" with the admin
// role. Only for ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if UserIDFromContext(ctx) == "" {
				c.SetRequest(c.Request().WithContext(WithUser(ctx, "dev-user", []string{RoleAdmin})))
			}
			return next(c)
		}
	}
}

// WithUser returns ctx carrying the caller's identity. CLI commands use it to
// attribute work done outside an HTTP request.
func WithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
