package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
	"github.com/mihaimyh/freequota/storage/memory"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// errorStorage is a mock storage that always fails on RecordUse
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) RecordUse(_ context.Context, _ *freequota.RecordRequest) (*freequota.RecordResult, error) {
	return nil, errors.New("connection refused")
}

func setupTestMeter(t *testing.T, storage *memory.Storage, billing freequota.BillingProvider) *freequota.Meter {
	t.Helper()
	cfg := freequota.DefaultConfig()
	cfg.Now = func() time.Time { return testNow }
	meter, err := freequota.NewMeter(storage, billing, cfg)
	require.NoError(t, err)
	return meter
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-Test-User"); id != "" {
			c.Locals("UserID", id)
		}
		return c.Next()
	})
	app.Post("/generate", Middleware(cfg), func(c *fiber.Ctx) error {
		if _, ok := Decision(c); !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString("generated")
	})
	return app
}

func generate(t *testing.T, app *fiber.App, fingerprint, userID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generate", http.NoBody)
	if fingerprint != "" {
		req.Header.Set("X-Fingerprint-Hash", fingerprint)
	}
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestMiddleware_PanicsWithoutMeter(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

func TestMiddleware_AllowsUntilLimitThenBlocks(t *testing.T) {
	app := setupApp(Config{Meter: setupTestMeter(t, memory.New(), nil)})

	for i := 0; i < freequota.DefaultQuotaLimit; i++ {
		resp := generate(t, app, "fp-1", "")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp := generate(t, app, "fp-1", "")
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"allowed":false`)
}

func TestMiddleware_ActiveSubscriberUnlimited(t *testing.T) {
	storage := memory.New()
	require.NoError(t, storage.SetSubscription(context.Background(), &freequota.Subscription{
		UserID:    "paid",
		Status:    freequota.StatusActive,
		PeriodEnd: testNow.Add(30 * 24 * time.Hour),
		UpdatedAt: testNow,
	}))
	app := setupApp(Config{
		Meter:     setupTestMeter(t, storage, freequota.StoredBilling{Store: storage}),
		GetUserID: FromContext("UserID"),
	})

	for i := 0; i < freequota.DefaultQuotaLimit+2; i++ {
		resp := generate(t, app, "fp-2", "paid")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Quota-Unlimited"))
	}
}

func TestMiddleware_IPOnly(t *testing.T) {
	storage := memory.New()
	app := setupApp(Config{
		Meter:  setupTestMeter(t, storage, nil),
		Hasher: signals.NewHasher("salt", false),
	})

	resp := generate(t, app, "", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, storage.Attempts(), 1)
	assert.NotEmpty(t, storage.Attempts()[0].IPHash)
}

func TestMiddleware_MissingIdentity(t *testing.T) {
	app := setupApp(Config{Meter: setupTestMeter(t, memory.New(), nil)})

	resp := generate(t, app, "", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMiddleware_StorageError(t *testing.T) {
	cfg := freequota.DefaultConfig()
	cfg.Now = func() time.Time { return testNow }
	meter, err := freequota.NewMeter(&errorStorage{memory.New()}, nil, cfg)
	require.NoError(t, err)
	app := setupApp(Config{Meter: meter})

	resp := generate(t, app, "fp-3", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}
