// Package memory provides an in-memory implementation of the freequota.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Storage implements freequota.Storage and freequota.SubscriptionStorage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	records       map[string]*freequota.UsageRecord // id -> record
	index         map[string]map[string]struct{}    // period|kind:value -> record ids
	attempts      []*freequota.Attempt
	subscriptions map[string]*freequota.Subscription
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:       make(map[string]*freequota.UsageRecord),
		index:         make(map[string]map[string]struct{}),
		subscriptions: make(map[string]*freequota.Subscription),
	}
}

// GetUsageRecords implements freequota.Storage
func (s *Storage) GetUsageRecords(ctx context.Context, period string, subject freequota.Subject) ([]*freequota.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.matching(period, subject)
	out := make([]*freequota.UsageRecord, 0, len(matches))
	for _, r := range matches {
		rc := *r
		out = append(out, &rc)
	}
	return out, nil
}

// RecordUse implements freequota.Storage. The whole tally-check-write runs under one lock.
func (s *Storage) RecordUse(ctx context.Context, req *freequota.RecordRequest) (*freequota.RecordResult, error) {
	if req == nil {
		return nil, fmt.Errorf("nil record request")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := freequota.TallyRecords(s.matching(req.Period, req.Subject), req.Subject, req.Precedence)
	if t.Count >= req.Limit {
		return &freequota.RecordResult{
			Allowed:       false,
			PreviousCount: t.Count,
			NewCount:      t.Count,
		}, nil
	}

	newID := req.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rec := t.Apply(req.Subject, req.Now, newID)
	rec.Period = req.Period
	s.records[rec.ID] = rec
	s.indexRecord(rec)

	out := *rec
	return &freequota.RecordResult{
		Allowed:       true,
		PreviousCount: t.Count,
		NewCount:      rec.Count,
		Record:        &out,
	}, nil
}

// LogAttempt implements freequota.Storage
func (s *Storage) LogAttempt(ctx context.Context, attempt *freequota.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("nil attempt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := *attempt
	s.attempts = append(s.attempts, &a)
	return nil
}

// Attempts returns a copy of the audit trail in insertion order
func (s *Storage) Attempts() []freequota.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]freequota.Attempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, *a)
	}
	return out
}

// GetSubscription implements freequota.SubscriptionStorage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*freequota.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, freequota.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// SetSubscription implements freequota.SubscriptionStorage
func (s *Storage) SetSubscription(ctx context.Context, sub *freequota.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.UserID] = &subCopy
	return nil
}

// Ping implements freequota.Pinger
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*freequota.UsageRecord)
	s.index = make(map[string]map[string]struct{})
	s.attempts = nil
	s.subscriptions = make(map[string]*freequota.Subscription)
}

// matching returns the stored records of period sharing a component with subject,
// ordered by id. Caller holds mu.
func (s *Storage) matching(period string, subject freequota.Subject) []*freequota.UsageRecord {
	seen := make(map[string]struct{})
	var out []*freequota.UsageRecord
	for _, key := range subject.Keys(nil) {
		for id := range s.index[indexKey(period, key)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, s.records[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// indexRecord adds rec under each of its identity components. Caller holds mu.
func (s *Storage) indexRecord(rec *freequota.UsageRecord) {
	keys := freequota.Subject{
		UserID:          rec.UserID,
		FingerprintHash: rec.FingerprintHash,
		IPHash:          rec.IPHash,
	}.Keys(nil)
	for _, key := range keys {
		k := indexKey(rec.Period, key)
		ids, ok := s.index[k]
		if !ok {
			ids = make(map[string]struct{})
			s.index[k] = ids
		}
		ids[rec.ID] = struct{}{}
	}
}

func indexKey(period string, key freequota.IdentityKey) string {
	return period + "|" + key.String()
}
