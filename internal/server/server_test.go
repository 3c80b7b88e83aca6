package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay/coursepay/internal/catalog"
	"github.com/coursepay/coursepay/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		PlatformFee:          0.30,
		HoldDays:             7,
		MinWithdrawal:        200_000,
		Currency:             "VND",
		PendingDeposits:      3,
		GatewayProvider:      "mock",
		PublicBaseURL:        "http://localhost:8080",
		ReleaseInterval:      300,
		PayoutInterval:       300,
		PayoutStatusInterval: 600,
		RateLimitRPM:         10_000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	courses := catalog.NewStaticLookup()
	courses.Add(&catalog.Course{ID: "crs_go", InstructorID: "instructor-1", Price: 500_000})
	discounts := catalog.NewPercentDiscounts()
	discounts.Add("LAUNCH20", 20)

	s, err := New(cfg, WithCatalog(courses, discounts))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() has started
	w = do(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_DepositOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodPost, "/v1/wallets/buyer-1/deposits", gin.H{"amount": 300_000})
	require.Equal(t, http.StatusCreated, w.Code)

	deposit := decode(t, w)["deposit"].(map[string]interface{})
	txn := deposit["transaction"].(map[string]interface{})
	orderID := txn["gatewayRef"].(string)
	require.NotEmpty(t, orderID)
	assert.NotEmpty(t, deposit["approveUrl"])

	// Gateway capture callback credits the wallet
	w = do(t, s, http.MethodPost, "/v1/gateway/callbacks/capture", gin.H{"orderId": orderID})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/wallets/buyer-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)["wallet"].(map[string]interface{})
	assert.Equal(t, float64(300_000), wallet["balance"])
}

func TestServer_CheckoutOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Fund the buyer
	w := do(t, s, http.MethodPost, "/v1/wallets/buyer-1/deposits", gin.H{"amount": 600_000})
	require.Equal(t, http.StatusCreated, w.Code)
	txn := decode(t, w)["deposit"].(map[string]interface{})["transaction"].(map[string]interface{})
	w = do(t, s, http.MethodPost, "/v1/gateway/callbacks/capture", gin.H{"orderId": txn["gatewayRef"]})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/checkout", gin.H{
		"buyerId":   "buyer-1",
		"courseIds": []string{"crs_go"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The purchase drained the wallet
	w = do(t, s, http.MethodGet, "/v1/wallets/buyer-1", nil)
	wallet := decode(t, w)["wallet"].(map[string]interface{})
	assert.Equal(t, float64(100_000), wallet["balance"])
}

func TestServer_CheckoutInsufficientFunds(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodPost, "/v1/checkout", gin.H{
		"buyerId":   "broke-buyer",
		"courseIds": []string{"crs_go"},
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestServer_AdminAuth(t *testing.T) {
	t.Run("open in development without a secret", func(t *testing.T) {
		s := newTestServer(t, testConfig())
		w := do(t, s, http.MethodGet, "/v1/admin/platform-wallet", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("requires the secret when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdminSecret = "s3cret"
		s := newTestServer(t, cfg)

		w := do(t, s, http.MethodGet, "/v1/admin/platform-wallet", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		req := httptest.NewRequest(http.MethodGet, "/v1/admin/platform-wallet", nil)
		req.Header.Set("X-Admin-Secret", "s3cret")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled outside development without a secret", func(t *testing.T) {
		cfg := testConfig()
		cfg.Env = "production"
		s := newTestServer(t, cfg)
		w := do(t, s, http.MethodGet, "/v1/admin/platform-wallet", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestServer_RequestIDPropagated(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-abc-123", w.Header().Get("X-Request-ID"))
}

func TestServer_UnknownGatewayProvider(t *testing.T) {
	cfg := testConfig()
	cfg.GatewayProvider = "venmo"
	gin.SetMode(gin.TestMode)
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venmo")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:hunter2@db:5432/coursepay")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "db:5432")
}

func TestServer_AdminRealtimeStats(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(t, s, http.MethodGet, "/v1/admin/realtime/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Contains(t, stats, "connectedClients")
}

func TestServer_ReconciliationRequiresPostgres(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(t, s, http.MethodPost, "/v1/admin/reconciliation/run", nil)
	require.Equal(t, http.StatusNotImplemented, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "not_available", resp["error"])
}

func TestServer_AdminWebhooks(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/v1/admin/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Empty(t, resp["webhooks"])

	w = do(t, s, http.MethodPost, "/v1/admin/webhooks", map[string]interface{}{
		"url":    "http://localhost:9999/hook",
		"events": []string{"deposit.completed"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_url", decode(t, w)["error"])
}
