// Package firestore provides a Firestore implementation of the freequota.Storage interface.
// Each identity component of a period has an index document listing the records it
// appears on; RecordUse reads those index documents inside a transaction, so two
// overlapping subjects always contend on at least one document.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Storage implements freequota.Storage and freequota.SubscriptionStorage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usageCollection         string
	indexCollection         string
	attemptsCollection      string
	subscriptionsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsageCollection is the Firestore collection for usage records
	// Default: "usage_records"
	UsageCollection string

	// IndexCollection is the Firestore collection for per-identity record indexes
	// Default: "usage_index"
	IndexCollection string

	// AttemptsCollection is the Firestore collection for the metering audit trail
	// Default: "usage_attempts"
	AttemptsCollection string

	// SubscriptionsCollection is the Firestore collection for billing subscriptions
	// Default: "subscriptions"
	SubscriptionsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsageCollection == "" {
		config.UsageCollection = "usage_records"
	}
	if config.IndexCollection == "" {
		config.IndexCollection = "usage_index"
	}
	if config.AttemptsCollection == "" {
		config.AttemptsCollection = "usage_attempts"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}

	return &Storage{
		client:                  client,
		usageCollection:         config.UsageCollection,
		indexCollection:         config.IndexCollection,
		attemptsCollection:      config.AttemptsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
	}, nil
}

// GetUsageRecords implements freequota.Storage
func (s *Storage) GetUsageRecords(
	ctx context.Context, period string, subject freequota.Subject,
) ([]*freequota.UsageRecord, error) {
	indexSnaps, err := s.client.GetAll(ctx, s.indexDocs(period, subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get usage index: %w", err)
	}

	refs := s.recordDocs(indexSnaps)
	if len(refs) == 0 {
		return []*freequota.UsageRecord{}, nil
	}
	recordSnaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage records: %w", err)
	}
	return parseRecords(recordSnaps), nil
}

// RecordUse implements freequota.Storage with a transaction over the subject's index documents
func (s *Storage) RecordUse(ctx context.Context, req *freequota.RecordRequest) (*freequota.RecordResult, error) {
	if req == nil {
		return nil, fmt.Errorf("record request is required")
	}

	var result *freequota.RecordResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = nil

		indexSnaps, err := tx.GetAll(s.indexDocs(req.Period, req.Subject))
		if err != nil {
			return err
		}

		var records []*freequota.UsageRecord
		if refs := s.recordDocs(indexSnaps); len(refs) > 0 {
			recordSnaps, err := tx.GetAll(refs)
			if err != nil {
				return err
			}
			records = parseRecords(recordSnaps)
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

		if err := tx.Set(s.client.Collection(s.usageCollection).Doc(rec.ID), map[string]interface{}{
			"period":          rec.Period,
			"userId":          rec.UserID,
			"fingerprintHash": rec.FingerprintHash,
			"ipHash":          rec.IPHash,
			"count":           rec.Count,
			"firstUseAt":      rec.FirstUseAt,
			"lastUseAt":       rec.LastUseAt,
		}); err != nil {
			return err
		}

		owner := freequota.Subject{UserID: rec.UserID, FingerprintHash: rec.FingerprintHash, IPHash: rec.IPHash}
		for _, key := range owner.Keys(nil) {
			err := tx.Set(s.indexDoc(rec.Period, key), map[string]interface{}{
				"period":  rec.Period,
				"kind":    string(key.Kind),
				"value":   key.Value,
				"records": firestore.ArrayUnion(rec.ID),
			}, firestore.MergeAll)
			if err != nil {
				return err
			}
		}

		result = &freequota.RecordResult{
			Allowed:       true,
			PreviousCount: t.Count,
			NewCount:      rec.Count,
			Record:        rec,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record use: %w", err)
	}
	return result, nil
}

// LogAttempt implements freequota.Storage
func (s *Storage) LogAttempt(ctx context.Context, attempt *freequota.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}

	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.client.Collection(s.attemptsCollection).Doc(id).Set(ctx, map[string]interface{}{
		"period":          attempt.Period,
		"userId":          attempt.UserID,
		"fingerprintHash": attempt.FingerprintHash,
		"ipHash":          attempt.IPHash,
		"outcome":         string(attempt.Outcome),
		"countAfter":      attempt.CountAfter,
		"metadata":        attempt.Metadata,
		"createdAt":       attempt.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to log attempt: %w", err)
	}
	return nil
}

// GetSubscription implements freequota.SubscriptionStorage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*freequota.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, freequota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, freequota.ErrSubscriptionNotFound
	}

	data := snap.Data()
	return &freequota.Subscription{
		UserID:            userID,
		Status:            freequota.SubscriptionStatus(getString(data, "status")),
		PeriodEnd:         getTime(data, "periodEnd"),
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		PriceID:           getString(data, "priceId"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}, nil
}

// SetSubscription implements freequota.SubscriptionStorage
func (s *Storage) SetSubscription(ctx context.Context, sub *freequota.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data := map[string]interface{}{
		"status":            string(sub.Status),
		"customerId":        sub.CustomerID,
		"subscriptionId":    sub.SubscriptionID,
		"priceId":           sub.PriceID,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"updatedAt":         sub.UpdatedAt,
	}
	if !sub.PeriodEnd.IsZero() {
		data["periodEnd"] = sub.PeriodEnd
	}

	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// Ping checks that Firestore answers a read
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.subscriptionsCollection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// indexDoc returns the index document of one identity component in a period.
// Document ids are hashed because user ids may contain '/'.
func (s *Storage) indexDoc(period string, key freequota.IdentityKey) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(key.String()))
	docID := fmt.Sprintf("%s_%s", period, hex.EncodeToString(sum[:16]))
	return s.client.Collection(s.indexCollection).Doc(docID)
}

func (s *Storage) indexDocs(period string, subject freequota.Subject) []*firestore.DocumentRef {
	keys := subject.Keys(nil)
	refs := make([]*firestore.DocumentRef, 0, len(keys))
	for _, key := range keys {
		refs = append(refs, s.indexDoc(period, key))
	}
	return refs
}

// recordDocs collects the deduplicated record references listed by index snapshots
func (s *Storage) recordDocs(indexSnaps []*firestore.DocumentSnapshot) []*firestore.DocumentRef {
	seen := make(map[string]struct{})
	var refs []*firestore.DocumentRef
	for _, snap := range indexSnaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		ids, _ := snap.Data()["records"].([]interface{})
		for _, raw := range ids {
			id, ok := raw.(string)
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			refs = append(refs, s.client.Collection(s.usageCollection).Doc(id))
		}
	}
	return refs
}

func parseRecords(snaps []*firestore.DocumentSnapshot) []*freequota.UsageRecord {
	records := make([]*freequota.UsageRecord, 0, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		data := snap.Data()
		records = append(records, &freequota.UsageRecord{
			ID:              snap.Ref.ID,
			Period:          getString(data, "period"),
			UserID:          getString(data, "userId"),
			FingerprintHash: getString(data, "fingerprintHash"),
			IPHash:          getString(data, "ipHash"),
			Count:           getInt(data, "count"),
			FirstUseAt:      getTime(data, "firstUseAt"),
			LastUseAt:       getTime(data, "lastUseAt"),
		})
	}
	return records
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
