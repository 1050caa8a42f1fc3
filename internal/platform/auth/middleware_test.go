package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func testConfig() JWTConfig {
	return JWTConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "medq",
		SigningKey: testKey,
	}
}

func signToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "worker-42",
			Issuer:    "https://auth.example.com",
			Audience:  jwt.ClaimStrings{"medq"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func invoke(t *testing.T, cfg JWTConfig, authorization string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	handler := JWTMiddleware(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return c, handler(c)
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := signToken(t, validClaims(), testKey)
	c, err := invoke(t, testConfig(), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := c.Get(SubjectKey).(string); got != "worker-42" {
		t.Errorf("expected subject worker-42, got %q", got)
	}
}

func TestJWTMiddleware_MissingToken(t *testing.T) {
	_, err := invoke(t, testConfig(), "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := signToken(t, validClaims(), []byte("wrong-key"))
	_, err := invoke(t, testConfig(), "Bearer "+token)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "https://evil.example.com"
	token := signToken(t, claims, testKey)
	_, err := invoke(t, testConfig(), "Bearer "+token)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signToken(t, claims, testKey)
	_, err := invoke(t, testConfig(), "Bearer "+token)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestDevAuthMiddleware_StampsIdentity(t *testing.T) {
	e := echo.New()
	handler := DevAuthMiddleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := c.Get(SubjectKey).(string); got != "dev-user" {
		t.Errorf("expected dev-user subject, got %q", got)
	}
}
