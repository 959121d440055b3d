package middleware

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

func sign(t *testing.T, secret string, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseToken(t *testing.T) {
	valid := Claims{
		CompanyID: "co-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	future := valid
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{"valid", sign(t, "s", valid, jwt.SigningMethodHS256), "s", false},
		{"wrong secret", sign(t, "other", valid, jwt.SigningMethodHS256), "s", true},
		{"expired", sign(t, "s", expired, jwt.SigningMethodHS256), "s", true},
		{"issued in the future", sign(t, "s", future, jwt.SigningMethodHS256), "s", true},
		{"no secret configured", sign(t, "s", valid, jwt.SigningMethodHS256), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && claims.CompanyID != "co-1" {
				t.Errorf("CompanyID = %q", claims.CompanyID)
			}
		})
	}
}

func TestJWTAuth_RevokedToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	revocations := NewTokenRevocations(rdb)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/", JWTAuth("s", revocations), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("company_id").(string))
	})

	token := sign(t, "s", Claims{
		CompanyID: "co-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256)

	call := func() int {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := call(); got != fiber.StatusOK {
		t.Fatalf("before revoke status = %d", got)
	}
	if err := revocations.Revoke(context.Background(), "jti-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if got := call(); got != fiber.StatusUnauthorized {
		t.Errorf("after revoke status = %d", got)
	}
}

type stubLimiter struct {
	allow bool
	keys  []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	s.keys = append(s.keys, key)
	return s.allow, 1500 * time.Millisecond
}

func TestRateLimit(t *testing.T) {
	limiter := &stubLimiter{}
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("company_id", "co-1")
		return c.Next()
	})
	app.Get("/", RateLimit(limiter, "api"), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "api:company:co-1" {
		t.Errorf("keys = %v", limiter.keys)
	}

	limiter.allow = true
	resp, _ = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("allowed status = %d", resp.StatusCode)
	}
}

func TestRecover(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), Recover())
	app.Get("/", func(c *fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}
