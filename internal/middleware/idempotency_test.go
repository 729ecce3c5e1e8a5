package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/escrow/internal/logging"
)

type testApp struct {
	app   *fiber.App
	calls *atomic.Int32
	keys  chan string
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	ta := &testApp{app: fiber.New(), calls: &atomic.Int32{}, keys: make(chan string, 16)}
	ta.app.Use(Tenant())
	ta.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	ta.app.Post("/resource", func(c *fiber.Ctx) error {
		n := ta.calls.Add(1)
		ta.keys <- IdempotencyKey(c)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": n})
	})
	ta.app.Post("/flaky", func(c *fiber.Ctx) error {
		ta.calls.Add(1)
		return c.SendStatus(fiber.StatusServiceUnavailable)
	})
	return ta
}

func post(t *testing.T, app *fiber.App, path, tenant, key, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(TenantHeader, tenant)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp, string(payload)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	ta := setupTestApp(t)

	resp, _ := post(t, ta.app, "/resource", "t1", "", "{}")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	ta := setupTestApp(t)

	resp, payload := post(t, ta.app, "/resource", "t1", "abc123", "{}")
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	if got := <-ta.keys; got != "abc123" {
		t.Fatalf("handler saw key %q", got)
	}

	resp2, cachedPayload := post(t, ta.app, "/resource", "t1", "abc123", "{}")
	if resp2.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, resp2.StatusCode)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if resp2.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	if n := ta.calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times", n)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreTenantScoped(t *testing.T) {
	ta := setupTestApp(t)

	post(t, ta.app, "/resource", "t1", "shared", "{}")
	resp, _ := post(t, ta.app, "/resource", "t2", "shared", "{}")
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	if resp.Header.Get("Idempotent-Replayed") != "" {
		t.Fatalf("a different tenant must not see the cached response")
	}
	if n := ta.calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times", n)
	}
}

func TestIdempotencyRejectsDifferentRequestWithSameKey(t *testing.T) {
	ta := setupTestApp(t)

	post(t, ta.app, "/resource", "t1", "k1", `{"amount":1}`)
	resp, _ := post(t, ta.app, "/resource", "t1", "k1", `{"amount":2}`)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, resp.StatusCode)
	}
}

func TestIdempotencyDoesNotCacheServerErrors(t *testing.T) {
	ta := setupTestApp(t)

	for i := 0; i < 2; i++ {
		resp, _ := post(t, ta.app, "/flaky", "t1", "retry-me", "{}")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("expected %d got %d", fiber.StatusServiceUnavailable, resp.StatusCode)
		}
	}
	if n := ta.calls.Load(); n != 2 {
		t.Fatalf("expected the handler to run on retry, ran %d times", n)
	}
}

func TestIdempotencyPassesThroughWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Use(Idempotency(nil, time.Minute, logging.Discard()))
	var seen string
	app.Post("/resource", func(c *fiber.Ctx) error {
		seen = IdempotencyKey(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, _ := post(t, app, "/resource", "t1", "k", "{}")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected %d got %d", fiber.StatusNoContent, resp.StatusCode)
	}
	if seen != "k" {
		t.Fatalf("handler saw key %q", seen)
	}
}
