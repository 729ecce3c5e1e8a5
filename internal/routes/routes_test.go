package routes_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/escrow/internal/config"
	"github.com/congo-pay/escrow/internal/logging"
	"github.com/congo-pay/escrow/internal/server"
)

const (
	tenantID     = "market-1"
	gatewayToken = "gw-test-token"
)

type client struct {
	t   *testing.T
	srv *server.Server
}

func newClient(t *testing.T) *client {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	srv, err := server.New(config.Config{
		AppName:        "escrow-test",
		AppEnv:         "test",
		IdempotencyTTL: time.Hour,
		SweepInterval:  time.Minute,
		SweepBatchSize: 10,
		RateLimit:      1000,
		GatewayToken:   gatewayToken,
	}, nil, cache, logging.Discard())
	require.NoError(t, err)
	return &client{t: t, srv: srv}
}

type call struct {
	method string
	path   string
	body   any
	user    string
	admin   bool
	gateway string
	key     string
}

func (c *client) do(in call) (int, map[string]any) {
	c.t.Helper()
	var body io.Reader
	if in.body != nil {
		raw, err := json.Marshal(in.body)
		require.NoError(c.t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(in.method, in.path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)
	if in.user != "" {
		req.Header.Set("X-User-ID", in.user)
	}
	if in.admin {
		req.Header.Set("X-Actor-Type", "admin")
	}
	if in.gateway != "" {
		req.Header.Set("X-Gateway-Token", in.gateway)
	}
	if in.method != http.MethodGet {
		key := in.key
		if key == "" {
			key = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.srv.App().Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (c *client) wallet(user string) string {
	c.t.Helper()
	status, body := c.do(call{method: http.MethodPost, path: "/api/v1/wallets", user: user, body: map[string]any{"user_id": user, "currency": "XAF"}})
	require.Equal(c.t, http.StatusCreated, status, body)
	return body["id"].(string)
}

func (c *client) deposit(walletID string, amount int64, ref string) {
	c.t.Helper()
	status, body := c.do(call{method: http.MethodPost, path: "/api/v1/gateway/wallets/" + walletID + "/deposits", gateway: gatewayToken,
		body: map[string]any{"amount": amount, "gateway_reference": ref}})
	require.Equal(c.t, http.StatusCreated, status, body)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	c := newClient(t)
	buyerWallet := c.wallet("buyer")
	sellerWallet := c.wallet("seller")

	status, body := c.do(call{method: http.MethodPost, path: "/api/v1/gateway/wallets/" + buyerWallet + "/deposits", gateway: gatewayToken,
		body: map[string]any{"amount": 100000, "gateway_reference": "gw-1"}})
	require.Equal(t, http.StatusCreated, status, body)
	assert.EqualValues(t, 100000, body["available_balance"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/", user: "buyer",
		body: map[string]any{"seller_id": "seller", "amount": 100000, "title": "Logo design"}})
	require.Equal(t, http.StatusCreated, status, body)
	id := body["id"].(string)
	assert.EqualValues(t, 5000, body["fee_amount"])

	for _, step := range []struct{ action, user string }{
		{"fund", "buyer"},
		{"start", "seller"},
		{"deliver", "seller"},
		{"release", "buyer"},
	} {
		status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/" + id + "/" + step.action, user: step.user})
		require.Equal(t, http.StatusOK, status, "%s: %v", step.action, body)
	}
	assert.Equal(t, "RELEASED", body["status"])

	status, body = c.do(call{method: http.MethodGet, path: "/api/v1/wallets/" + sellerWallet, user: "seller"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 95000, body["available_balance"])

	status, body = c.do(call{method: http.MethodGet, path: "/api/v1/escrows/" + id + "/timeline", user: "buyer"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["entries"], 5)

	status, body = c.do(call{method: http.MethodGet, path: "/api/v1/ledger/accounts/customer_available/" + sellerWallet + "/lines", user: "seller"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["lines"], 1)

	status, body = c.do(call{method: http.MethodGet, path: "/api/v1/ledger/verify", user: "ops", admin: true})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["ok"])
}

func TestErrorMapping(t *testing.T) {
	c := newClient(t)
	buyerWallet := c.wallet("buyer")
	c.wallet("seller")

	status, body := c.do(call{method: http.MethodPost, path: "/api/v1/escrows/", user: "buyer",
		body: map[string]any{"seller_id": "seller", "amount": 5000, "title": "Poster"}})
	require.Equal(t, http.StatusCreated, status, body)
	id := body["id"].(string)

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/" + id + "/fund", user: "buyer"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_balance", body["code"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/" + id + "/release", user: "buyer"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state_transition", body["code"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/" + id + "/refund", user: "buyer"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unauthorized", body["code"])

	status, body = c.do(call{method: http.MethodGet, path: "/api/v1/escrows/" + uuid.NewString(), user: "buyer"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/escrows/", user: "buyer",
		body: map[string]any{"seller_id": "seller", "amount": -1}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])
	assert.NotEmpty(t, body["fields"])

	status, _ = c.do(call{method: http.MethodGet, path: "/api/v1/ledger/verify", user: "buyer"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = c.do(call{method: http.MethodGet, path: "/api/v1/wallets/" + buyerWallet})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRepeatedIdempotencyKeyReplaysResponse(t *testing.T) {
	c := newClient(t)
	buyerWallet := c.wallet("buyer")

	deposit := call{method: http.MethodPost, path: "/api/v1/gateway/wallets/" + buyerWallet + "/deposits", gateway: gatewayToken, key: "dep-1",
		body: map[string]any{"amount": 700, "gateway_reference": "gw-7"}}
	status, first := c.do(deposit)
	require.Equal(t, http.StatusCreated, status, first)
	status, second := c.do(deposit)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, first["posting_batch_id"], second["posting_batch_id"])

	deposit.body = map[string]any{"amount": 800, "gateway_reference": "gw-7"}
	status, _ = c.do(deposit)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body := c.do(call{method: http.MethodGet, path: "/api/v1/wallets/" + buyerWallet, user: "buyer"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 700, body["available_balance"])
}

func TestDepositsRequireGatewayToken(t *testing.T) {
	c := newClient(t)
	victim := c.wallet("victim")

	status, _ := c.do(call{method: http.MethodPost, path: "/api/v1/wallets/" + victim + "/deposits", user: "mallory",
		body: map[string]any{"amount": 50000, "gateway_reference": "made-up"}})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = c.do(call{method: http.MethodPost, path: "/api/v1/gateway/wallets/" + victim + "/deposits", user: "mallory",
		body: map[string]any{"amount": 50000, "gateway_reference": "made-up"}})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = c.do(call{method: http.MethodPost, path: "/api/v1/gateway/wallets/" + victim + "/deposits", gateway: "guess",
		body: map[string]any{"amount": 50000, "gateway_reference": "made-up"}})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := c.do(call{method: http.MethodGet, path: "/api/v1/wallets/" + victim, user: "victim"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["available_balance"])
}

func TestWithdrawalRequiresWalletOwner(t *testing.T) {
	c := newClient(t)
	victim := c.wallet("victim")
	c.deposit(victim, 50000, "gw-v")

	status, body := c.do(call{method: http.MethodPost, path: "/api/v1/wallets/" + victim + "/withdrawals", user: "mallory",
		body: map[string]any{"amount": 50000, "destination": "momo:mallory"}})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unauthorized", body["code"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/wallets/" + victim + "/withdrawals", user: "victim",
		body: map[string]any{"amount": 20000, "destination": "momo:victim"}})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "paid_out", body["status"])
	assert.EqualValues(t, 30000, body["available_balance"])

	status, body = c.do(call{method: http.MethodPost, path: "/api/v1/wallets/" + victim + "/withdrawals", user: "ops", admin: true,
		body: map[string]any{"amount": 10000, "destination": "momo:victim"}})
	require.Equal(t, http.StatusCreated, status, body)
	assert.EqualValues(t, 20000, body["available_balance"])
}

func TestMissingTenantHeader(t *testing.T) {
	c := newClient(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/"+uuid.NewString(), nil)
	req.Header.Set("X-User-ID", "buyer")
	resp, err := c.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	c := newClient(t)
	resp, err := c.srv.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = c.srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "escrow_http_requests_total")
}
