// Package auth provides the JWT gate in front of the query API. The core
// assumes every call it receives is already authorized; this middleware only
// verifies tokens and forwards the caller identity.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	// SubjectKey is the echo context key holding the verified token subject.
	SubjectKey = "auth_subject"
)

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// Claims are the registered claims plus the originating patient/customer id
// some clients embed.
type Claims struct {
	jwt.RegisteredClaims
	OriginID string `json:"origin_id,omitempty"`
}

// JWTMiddleware verifies HS256 bearer tokens and stores the subject on the
// request context. Requests without a valid token are rejected with 401.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(SubjectKey, claims.Subject)
			return next(c)
		}
	}
}

// DevAuthMiddleware stamps a fixed development identity on every request.
// Only wired when ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(SubjectKey, "dev-user")
			return next(c)
		}
	}
}
