package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/freequota/pkg/billing"
	"github.com/mihaimyh/freequota/pkg/freequota"
	meterprom "github.com/mihaimyh/freequota/pkg/freequota/metrics/prometheus"
	"github.com/mihaimyh/freequota/storage/memory"
)

type fakeProvider struct {
	store     *memory.Storage
	cancelErr error
	lastUser  string
}

var _ billing.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) GetSubscriptionStatus(ctx context.Context, userID string) (*freequota.Subscription, error) {
	return f.store.GetSubscription(ctx, userID)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func (f *fakeProvider) SyncUser(_ context.Context, userID string) (freequota.SubscriptionStatus, error) {
	f.lastUser = userID
	return freequota.StatusActive, nil
}

func (f *fakeProvider) CheckoutURL(_ context.Context, userID, successURL, _ string) (string, error) {
	f.lastUser = userID
	return "https://checkout.example/" + userID + "?next=" + successURL, nil
}

func (f *fakeProvider) PortalURL(_ context.Context, userID, _ string) (string, error) {
	f.lastUser = userID
	return "https://portal.example/" + userID, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, userID string) error {
	f.lastUser = userID
	return f.cancelErr
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, provider billing.Provider) (http.Handler, *prometheus.Registry) {
	t.Helper()
	store := memory.New()
	reg := prometheus.NewRegistry()

	mc := freequota.DefaultConfig()
	mc.Now = func() time.Time { return testNow }
	mc.Metrics = meterprom.NewMetrics(reg, metricsNamespace)
	meter, err := freequota.NewMeter(store, freequota.StoredBilling{Store: store}, mc)
	require.NoError(t, err)

	cfg := Config{UserIDHeader: "X-User-ID", IPHashSalt: "salt"}
	router, err := newRouter(cfg, meter, provider, reg, zerolog.Nop(), nil)
	require.NoError(t, err)
	return router, reg
}

func send(t *testing.T, h http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.5:1234"
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_HealthzAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := send(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = send(t, h, http.MethodPost, "/usage/increment", "", map[string]string{"fingerprintHash": "fp"})
	require.Equal(t, http.StatusOK, w.Code)

	w = send(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "freequota_metering_decisions_total")
}

func TestServer_UsageRoutes(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := send(t, h, http.MethodPost, "/usage/check", "", map[string]string{"fingerprintHash": "fp"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining":5`)
}

func TestServer_BillingRoutesOnlyWithProvider(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := send(t, h, http.MethodPost, "/billing/checkout", "user1", checkoutRequest{SuccessURL: "s", CancelURL: "c"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBillingRoutes(t *testing.T) {
	provider := &fakeProvider{store: memory.New()}
	h, _ := newTestServer(t, provider)

	w := send(t, h, http.MethodPost, "/billing/webhook", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = send(t, h, http.MethodPost, "/billing/checkout", "", checkoutRequest{SuccessURL: "s", CancelURL: "c"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(t, h, http.MethodPost, "/billing/checkout", "user1", checkoutRequest{SuccessURL: "s"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(t, h, http.MethodPost, "/billing/checkout", "user1", checkoutRequest{SuccessURL: "s", CancelURL: "c"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp urlResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "https://checkout.example/user1?next=s", resp.URL)

	w = send(t, h, http.MethodPost, "/billing/portal", "user2", portalRequest{ReturnURL: "r"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user2", provider.lastUser)

	w = send(t, h, http.MethodPost, "/billing/sync", "user3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"active"}`, w.Body.String())

	w = send(t, h, http.MethodPost, "/billing/cancel", "user4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user4", provider.lastUser)
}

func TestBillingRoutes_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"no subscription", billing.ErrNoSubscription, http.StatusNotFound},
		{"not configured", billing.ErrPriceNotConfigured, http.StatusNotImplemented},
		{"provider error", errors.New("stripe down"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, &fakeProvider{store: memory.New(), cancelErr: tt.err})
			w := send(t, h, http.MethodPost, "/billing/cancel", "user1", nil)
			assert.Equal(t, tt.code, w.Code)
			assert.False(t, strings.Contains(w.Body.String(), "stripe down"))
		})
	}
}

func TestBillingRoutes_MalformedBody(t *testing.T) {
	h, _ := newTestServer(t, &fakeProvider{store: memory.New()})

	req := httptest.NewRequest(http.MethodPost, "/billing/checkout", strings.NewReader("{"))
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
