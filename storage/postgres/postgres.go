// Package postgres provides a PostgreSQL implementation of the freequota.Storage interface.
// RecordUse serializes overlapping subjects with transaction-scoped advisory locks on
// every identity key of the subject, then locks the matched rows with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Storage implements freequota.Storage and freequota.SubscriptionStorage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded goose migrations on New
	AutoMigrate bool

	// Cleanup configuration. Usage records are never purged; only the audit trail ages out.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	AttemptTTL      time.Duration

	// Logger receives migration and cleanup messages (default: NoopLogger)
	Logger freequota.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		AttemptTTL:      90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &freequota.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.AttemptTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate applies the embedded schema migrations with goose
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.config.Logger.Warn("failed to close migration connection", freequota.Field{Key: "error", Value: err})
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{s.config.Logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements freequota.Pinger
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectRecords = `SELECT id, period, user_id, fingerprint_hash, ip_hash, count, first_use_at, last_use_at
	FROM usage_records
	WHERE period = $1 AND (
		(user_id <> '' AND user_id = $2) OR
		(fingerprint_hash <> '' AND fingerprint_hash = $3) OR
		(ip_hash <> '' AND ip_hash = $4))
	ORDER BY id`

// GetUsageRecords implements freequota.Storage
func (s *Storage) GetUsageRecords(
	ctx context.Context, period string, subject freequota.Subject,
) ([]*freequota.UsageRecord, error) {
	records, err := queryRecords(ctx, s.pool, selectRecords, period, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage records: %w", err)
	}
	return records, nil
}

// RecordUse implements freequota.Storage with an atomic tally-check-write transaction
func (s *Storage) RecordUse(ctx context.Context, req *freequota.RecordRequest) (*freequota.RecordResult, error) {
	if req == nil {
		return nil, fmt.Errorf("record request is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Keys are sorted, so overlapping subjects always lock in the same order.
	for _, key := range req.Subject.LockKeys(req.Period) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return nil, fmt.Errorf("failed to lock identity key: %w", err)
		}
	}

	// Rows reachable through a component this subject does not share are locked here.
	records, err := queryRecords(ctx, tx, selectRecords+` FOR UPDATE`, req.Period, req.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage records for update: %w", err)
	}

	t := freequota.TallyRecords(records, req.Subject, req.Precedence)
	if t.Count >= req.Limit {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &freequota.RecordResult{PreviousCount: t.Count, NewCount: t.Count}, nil
	}

	newID := req.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rec := t.Apply(req.Subject, req.Now.UTC(), newID)
	rec.Period = req.Period

	if t.Target != nil {
		_, err = tx.Exec(ctx,
			`UPDATE usage_records SET
				user_id = $2, fingerprint_hash = $3, ip_hash = $4, count = $5, last_use_at = $6
				WHERE id = $1`,
			rec.ID, rec.UserID, rec.FingerprintHash, rec.IPHash, rec.Count, rec.LastUseAt)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO usage_records
				(id, period, user_id, fingerprint_hash, ip_hash, count, first_use_at, last_use_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.Period, rec.UserID, rec.FingerprintHash, rec.IPHash, rec.Count, rec.FirstUseAt, rec.LastUseAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &freequota.RecordResult{
		Allowed:       true,
		PreviousCount: t.Count,
		NewCount:      rec.Count,
		Record:        rec,
	}, nil
}

// LogAttempt implements freequota.Storage
func (s *Storage) LogAttempt(ctx context.Context, attempt *freequota.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}

	var metadata []byte
	if len(attempt.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(attempt.Metadata); err != nil {
			return fmt.Errorf("failed to marshal attempt metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_attempts
			(id, period, user_id, fingerprint_hash, ip_hash, outcome, count_after, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
		attempt.ID, attempt.Period, attempt.UserID, attempt.FingerprintHash, attempt.IPHash,
		string(attempt.Outcome), attempt.CountAfter, metadata, attempt.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log attempt: %w", err)
	}
	return nil
}

// GetSubscription implements freequota.SubscriptionStorage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*freequota.Subscription, error) {
	var sub freequota.Subscription
	var status string
	var periodEnd *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, status, period_end, customer_id, subscription_id, price_id,
				cancel_at_period_end, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID).Scan(
		&sub.UserID,
		&status,
		&periodEnd,
		&sub.CustomerID,
		&sub.SubscriptionID,
		&sub.PriceID,
		&sub.CancelAtPeriodEnd,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, freequota.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Status = freequota.SubscriptionStatus(status)
	if periodEnd != nil {
		sub.PeriodEnd = *periodEnd
	}
	return &sub, nil
}

// SetSubscription implements freequota.SubscriptionStorage
func (s *Storage) SetSubscription(ctx context.Context, sub *freequota.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	var periodEnd *time.Time
	if !sub.PeriodEnd.IsZero() {
		pe := sub.PeriodEnd.UTC()
		periodEnd = &pe
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(user_id, status, period_end, customer_id, subscription_id, price_id, cancel_at_period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				status = EXCLUDED.status,
				period_end = EXCLUDED.period_end,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				price_id = EXCLUDED.price_id,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, string(sub.Status), periodEnd, sub.CustomerID, sub.SubscriptionID, sub.PriceID,
		sub.CancelAtPeriodEnd, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of expired audit attempts
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("usage attempt cleanup failed", freequota.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes audit attempts older than AttemptTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.AttemptTTL)
	if _, err := s.pool.Exec(ctx, `DELETE FROM usage_attempts WHERE created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup usage attempts: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryRecords(
	ctx context.Context, q querier, sql, period string, subject freequota.Subject,
) ([]*freequota.UsageRecord, error) {
	rows, err := q.Query(ctx, sql, period, subject.UserID, subject.FingerprintHash, subject.IPHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*freequota.UsageRecord, 0)
	for rows.Next() {
		var r freequota.UsageRecord
		if err := rows.Scan(&r.ID, &r.Period, &r.UserID, &r.FingerprintHash, &r.IPHash,
			&r.Count, &r.FirstUseAt, &r.LastUseAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// gooseLogger routes goose output through freequota.Logger
type gooseLogger struct {
	log freequota.Logger
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Error(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Info(fmt.Sprintf(format, v...))
}
