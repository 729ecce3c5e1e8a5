package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func callerApp() *fiber.App {
	app := fiber.New()
	app.Use(Tenant(), Caller())
	app.Get("/whoami", func(c *fiber.Ctx) error {
		p, _ := CallerFrom(c)
		return c.SendString(TenantID(c) + "|" + p.UserID + "|" + p.Type)
	})
	return app
}

func TestTenantAndCallerHeaders(t *testing.T) {
	cases := []struct {
		name   string
		tenant string
		user   string
		actor  string
		status int
		body   string
	}{
		{name: "user", tenant: "t1", user: "u1", status: 200, body: "t1|u1|User"},
		{name: "admin", tenant: "t1", user: "ops", actor: "admin", status: 200, body: "t1|ops|Admin"},
		{name: "missing tenant", user: "u1", status: fiber.StatusBadRequest},
		{name: "missing user", tenant: "t1", status: fiber.StatusUnauthorized},
		{name: "system over http", tenant: "t1", user: "u1", actor: "System", status: fiber.StatusForbidden},
	}
	app := callerApp()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
			if tc.tenant != "" {
				req.Header.Set(TenantHeader, tc.tenant)
			}
			if tc.user != "" {
				req.Header.Set(UserHeader, tc.user)
			}
			if tc.actor != "" {
				req.Header.Set(ActorTypeHeader, tc.actor)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
			if tc.body != "" {
				buf := make([]byte, 64)
				n, _ := resp.Body.Read(buf)
				if string(buf[:n]) != tc.body {
					t.Fatalf("expected %q got %q", tc.body, string(buf[:n]))
				}
			}
		})
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(Tenant(), Caller(), RateLimit(cache, 2))
	app.Post("/x", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	send := func(user string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/x", nil)
		req.Header.Set(TenantHeader, "t1")
		req.Header.Set(UserHeader, user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	if s := send("a"); s != fiber.StatusNoContent {
		t.Fatalf("first request got %d", s)
	}
	if s := send("a"); s != fiber.StatusNoContent {
		t.Fatalf("second request got %d", s)
	}
	if s := send("a"); s != fiber.StatusTooManyRequests {
		t.Fatalf("third request got %d", s)
	}
	if s := send("b"); s != fiber.StatusNoContent {
		t.Fatalf("other caller got %d", s)
	}

	mr.FastForward(61 * time.Second)
	if s := send("a"); s != fiber.StatusNoContent {
		t.Fatalf("after window got %d", s)
	}
}

func TestGatewayToken(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		sent       string
		status     int
	}{
		{name: "valid", configured: "s3cret", sent: "s3cret", status: fiber.StatusOK},
		{name: "wrong", configured: "s3cret", sent: "guess", status: fiber.StatusForbidden},
		{name: "missing", configured: "s3cret", status: fiber.StatusForbidden},
		{name: "not configured", sent: "anything", status: fiber.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(Gateway(tc.configured))
			app.Get("/cb", func(c *fiber.Ctx) error {
				p, _ := CallerFrom(c)
				return c.SendString(p.Type)
			})
			req := httptest.NewRequest(fiber.MethodGet, "/cb", nil)
			if tc.sent != "" {
				req.Header.Set(GatewayHeader, tc.sent)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
			if tc.status == fiber.StatusOK {
				buf := make([]byte, 16)
				n, _ := resp.Body.Read(buf)
				if string(buf[:n]) != GatewayActor {
					t.Fatalf("expected gateway principal, got %q", string(buf[:n]))
				}
			}
		})
	}
}
