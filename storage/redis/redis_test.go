package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

const testPeriod = "2026-03"

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	config := DefaultConfig()
	config.MaxRetries = 100
	s, err := New(setupTestRedis(t), config)
	require.NoError(t, err)
	return s
}

func recordReq(subject freequota.Subject, limit int) *freequota.RecordRequest {
	return &freequota.RecordRequest{
		Period:  testPeriod,
		Subject: subject,
		Limit:   limit,
		Now:     time.Now().UTC(),
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "freequota:", s.config.KeyPrefix)
	assert.Equal(t, 10, s.config.MaxRetries)
}

func TestKeys(t *testing.T) {
	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), DefaultConfig())
	require.NoError(t, err)

	key := freequota.IdentityKey{Kind: freequota.IdentityFingerprint, Value: "abc"}
	assert.Equal(t, "freequota:{2026-03}:idx:fingerprint:abc", s.indexKey(testPeriod, key))
	assert.Equal(t, "freequota:{2026-03}:rec:r1", s.recordKey(testPeriod, "r1"))
}

func TestParseRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec, err := parseRecord(map[string]string{
		"id":               "r1",
		"period":           testPeriod,
		"fingerprint_hash": "fp",
		"count":            "3",
		"first_use_at":     "1772359200000000000",
		"last_use_at":      "1772359200000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, now, rec.FirstUseAt)

	_, err = parseRecord(map[string]string{"count": "x"})
	assert.Error(t, err)
}

func TestStorage_RecordUse(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	anon := freequota.Subject{FingerprintHash: "fp", IPHash: "ip"}

	for i := 1; i <= 3; i++ {
		res, err := s.RecordUse(ctx, recordReq(anon, 3))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.NewCount)
	}

	res, err := s.RecordUse(ctx, recordReq(anon, 3))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.NewCount)

	records, err := s.GetUsageRecords(ctx, testPeriod, anon)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Count)
}

func TestStorage_RecordUse_Merge(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.RecordUse(ctx, recordReq(freequota.Subject{FingerprintHash: "fp"}, 5))
	require.NoError(t, err)

	res, err := s.RecordUse(ctx, recordReq(freequota.Subject{UserID: "u1", FingerprintHash: "fp"}, 5))
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewCount)
	assert.Equal(t, "u1", res.Record.UserID)

	records, err := s.GetUsageRecords(ctx, testPeriod, freequota.Subject{UserID: "u1", IPHash: "new-network"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Count)
}

func TestStorage_RecordUse_Concurrent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	const limit = 5

	subjects := []freequota.Subject{
		{FingerprintHash: "fp", IPHash: "ip1"},
		{FingerprintHash: "fp", IPHash: "ip2"},
		{FingerprintHash: "fp"},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(subject freequota.Subject) {
			defer wg.Done()
			res, err := s.RecordUse(ctx, recordReq(subject, limit))
			if err != nil {
				return // contention errors never allow
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(subjects[i%len(subjects)])
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed, limit)
	records, err := s.GetUsageRecords(ctx, testPeriod, freequota.Subject{FingerprintHash: "fp"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, allowed, records[0].Count)
}

func TestStorage_Subscriptions(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "u1")
	assert.ErrorIs(t, err, freequota.ErrSubscriptionNotFound)

	end := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SetSubscription(ctx, &freequota.Subscription{
		UserID:    "u1",
		Status:    freequota.StatusTrialing,
		PeriodEnd: end,
	}))

	sub, err := s.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, freequota.StatusTrialing, sub.Status)
	assert.True(t, sub.PeriodEnd.Equal(end))
}

func TestStorage_LogAttempt(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.LogAttempt(ctx, &freequota.Attempt{
		ID:        "a1",
		Period:    testPeriod,
		Outcome:   freequota.OutcomeAllowed,
		CreatedAt: time.Now(),
	}))

	n, err := s.client.XLen(ctx, s.attemptsKey(testPeriod)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
