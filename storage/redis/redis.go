// Package redis provides a Redis implementation of the freequota.Storage interface.
// RecordUse is an optimistic WATCH/MULTI transaction over the subject's identity
// index sets and the record hashes they point to, retried on conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// ErrTooMuchContention is returned when RecordUse exhausts its retries
var ErrTooMuchContention = errors.New("too much contention on usage keys")

// Storage implements freequota.Storage and freequota.SubscriptionStorage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "freequota:")
	KeyPrefix string

	// UsageTTL is the TTL for usage keys of a period (0 = no expiration)
	UsageTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 10)
	MaxRetries int

	// MaxAttempts caps the length of each period's audit stream (default: 100000)
	MaxAttempts int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "freequota:",
		UsageTTL:    0, // Past periods are kept
		MaxRetries:  10,
		MaxAttempts: 100000,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "freequota:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 100000
	}

	return &Storage{client: client, config: config}, nil
}

// GetUsageRecords implements freequota.Storage
func (s *Storage) GetUsageRecords(
	ctx context.Context, period string, subject freequota.Subject,
) ([]*freequota.UsageRecord, error) {
	ids, err := s.matchingIDs(ctx, s.client, period, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage index: %w", err)
	}
	records, err := s.loadRecords(ctx, s.client, period, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage records: %w", err)
	}
	return records, nil
}

// RecordUse implements freequota.Storage
func (s *Storage) RecordUse(ctx context.Context, req *freequota.RecordRequest) (*freequota.RecordResult, error) {
	if req == nil {
		return nil, fmt.Errorf("record request is required")
	}

	indexKeys := make([]string, 0, 3)
	for _, key := range req.Subject.Keys(nil) {
		indexKeys = append(indexKeys, s.indexKey(req.Period, key))
	}

	var result *freequota.RecordResult
	txf := func(tx *redis.Tx) error {
		ids, err := s.matchingIDs(ctx, tx, req.Period, req.Subject)
		if err != nil {
			return err
		}
		// Records reachable through components this subject does not share
		// can change under us, so they join the watch set before being read.
		if len(ids) > 0 {
			recordKeys := make([]string, 0, len(ids))
			for _, id := range ids {
				recordKeys = append(recordKeys, s.recordKey(req.Period, id))
			}
			if err := tx.Watch(ctx, recordKeys...).Err(); err != nil {
				return err
			}
		}

		records, err := s.loadRecords(ctx, tx, req.Period, ids)
		if err != nil {
			return err
		}

		t := freequota.TallyRecords(records, req.Subject, req.Precedence)
		if t.Count >= req.Limit {
			result = &freequota.RecordResult{PreviousCount: t.Count, NewCount: t.Count}
			return nil
		}

		newID := req.NewID
		if newID == nil {
			newID = uuid.NewString
		}
		rec := t.Apply(req.Subject, req.Now.UTC(), newID)
		rec.Period = req.Period

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeRecord(ctx, pipe, rec)
			return nil
		})
		if err != nil {
			return err
		}

		result = &freequota.RecordResult{
			Allowed:       true,
			PreviousCount: t.Count,
			NewCount:      rec.Count,
			Record:        rec,
		}
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, indexKeys...)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("failed to record use: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}

	return nil, fmt.Errorf("failed to record use: %w", ErrTooMuchContention)
}

// LogAttempt implements freequota.Storage by appending to the period's audit stream
func (s *Storage) LogAttempt(ctx context.Context, attempt *freequota.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}

	metadata, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt metadata: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.attemptsKey(attempt.Period),
		MaxLen: s.config.MaxAttempts,
		Approx: true,
		Values: map[string]interface{}{
			"id":               attempt.ID,
			"user_id":          attempt.UserID,
			"fingerprint_hash": attempt.FingerprintHash,
			"ip_hash":          attempt.IPHash,
			"outcome":          string(attempt.Outcome),
			"count_after":      attempt.CountAfter,
			"metadata":         string(metadata),
			"created_at":       attempt.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to log attempt: %w", err)
	}
	return nil
}

// GetSubscription implements freequota.SubscriptionStorage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*freequota.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, freequota.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub freequota.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// SetSubscription implements freequota.SubscriptionStorage
func (s *Storage) SetSubscription(ctx context.Context, sub *freequota.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subscriptionKey(sub.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// reader is the read surface shared by the client and a WATCH transaction
type reader interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// matchingIDs returns the deduplicated record ids indexed under any of the subject's components
func (s *Storage) matchingIDs(
	ctx context.Context, c reader, period string, subject freequota.Subject,
) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, key := range subject.Keys(nil) {
		members, err := c.SMembers(ctx, s.indexKey(period, key)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Storage) loadRecords(
	ctx context.Context, c reader, period string, ids []string,
) ([]*freequota.UsageRecord, error) {
	records := make([]*freequota.UsageRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := c.HGetAll(ctx, s.recordKey(period, id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // index entry without a record
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Storage) writeRecord(ctx context.Context, pipe redis.Pipeliner, rec *freequota.UsageRecord) {
	key := s.recordKey(rec.Period, rec.ID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":               rec.ID,
		"period":           rec.Period,
		"user_id":          rec.UserID,
		"fingerprint_hash": rec.FingerprintHash,
		"ip_hash":          rec.IPHash,
		"count":            rec.Count,
		"first_use_at":     rec.FirstUseAt.UnixNano(),
		"last_use_at":      rec.LastUseAt.UnixNano(),
	})
	keys := []string{key}

	components := freequota.Subject{
		UserID:          rec.UserID,
		FingerprintHash: rec.FingerprintHash,
		IPHash:          rec.IPHash,
	}.Keys(nil)
	for _, k := range components {
		idx := s.indexKey(rec.Period, k)
		pipe.SAdd(ctx, idx, rec.ID)
		keys = append(keys, idx)
	}

	if s.config.UsageTTL > 0 {
		for _, k := range keys {
			pipe.Expire(ctx, k, s.config.UsageTTL)
		}
	}
}

func parseRecord(fields map[string]string) (*freequota.UsageRecord, error) {
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return nil, fmt.Errorf("invalid record count: %w", err)
	}
	first, err := strconv.ParseInt(fields["first_use_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid record first_use_at: %w", err)
	}
	last, err := strconv.ParseInt(fields["last_use_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid record last_use_at: %w", err)
	}

	return &freequota.UsageRecord{
		ID:              fields["id"],
		Period:          fields["period"],
		UserID:          fields["user_id"],
		FingerprintHash: fields["fingerprint_hash"],
		IPHash:          fields["ip_hash"],
		Count:           count,
		FirstUseAt:      time.Unix(0, first).UTC(),
		LastUseAt:       time.Unix(0, last).UTC(),
	}, nil
}

// Keys of one period share a hash tag so a cluster keeps them on one slot.
func (s *Storage) indexKey(period string, key freequota.IdentityKey) string {
	return fmt.Sprintf("%s{%s}:idx:%s", s.config.KeyPrefix, period, key.String())
}

func (s *Storage) recordKey(period, id string) string {
	return fmt.Sprintf("%s{%s}:rec:%s", s.config.KeyPrefix, period, id)
}

func (s *Storage) attemptsKey(period string) string {
	return fmt.Sprintf("%sattempts:%s", s.config.KeyPrefix, period)
}

func (s *Storage) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, userID)
}
