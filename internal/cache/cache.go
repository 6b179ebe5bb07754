// Package cache stores computed analysis results keyed by transcript
// content, rubric version, and dimension set. Entries never go stale in
// place: any change to a transcript changes its hash and therefore its
// key, so old entries are simply orphaned until the TTL sweep removes
// them. A per-key flight group guarantees at most one concurrent
// producer run per key.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/metrics"
	"coach/internal/scoring"
	"coach/internal/storage"
)

const (
	// DefaultTTL is how long an entry stays eligible before the sweep
	// may remove it.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultLockWait bounds how long a caller waits on another
	// caller's in-flight computation. Zero means fail fast.
	DefaultLockWait = 5 * time.Second
)

// Request identifies one analysis computation. Requests that differ
// only in dimension order or duplicates map to the same key.
type Request struct {
	TranscriptHash string
	RubricVersion  string
	Dimensions     []string
}

// Key returns the content-addressed cache key for this request.
func (r Request) Key() string {
	return Key(r.TranscriptHash, r.RubricVersion, r.Dimensions)
}

// Entry is the stored form of one cached analysis, without its payload.
type Entry struct {
	Key            string    `json:"key"`
	TranscriptHash string    `json:"transcriptHash"`
	RubricVersion  string    `json:"rubricVersion"`
	Dimensions     []string  `json:"dimensions"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Producer computes the analysis for a cache miss.
type Producer func(ctx context.Context) (*scoring.AnalysisResult, error)

// Stats describes the cache population plus process-lifetime counters.
type Stats struct {
	Entries     int64            `json:"entries"`
	SizeBytes   int64            `json:"sizeBytes"`
	Expired     int64            `json:"expired"`
	InFlight    int              `json:"inFlight"`
	OldestEntry *time.Time       `json:"oldestEntry,omitempty"`
	TTL         string           `json:"ttl"`
	Counters    metrics.Snapshot `json:"counters"`
}

// Cache is the durable analysis cache. All methods are safe for
// concurrent use.
type Cache struct {
	db       *storage.DB
	metrics  *metrics.Metrics
	logger   *logging.Logger
	ttl      time.Duration
	lockWait time.Duration
	flights  *flightGroup
}

// New creates a cache over db. A non-positive ttl falls back to
// DefaultTTL. A negative lockWait falls back to DefaultLockWait; zero
// is kept and means callers fail fast instead of waiting on an
// in-flight computation.
func New(db *storage.DB, m *metrics.Metrics, logger *logging.Logger, ttl, lockWait time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lockWait < 0 {
		lockWait = DefaultLockWait
	}
	if m == nil {
		m = metrics.New()
	}
	return &Cache{
		db:       db,
		metrics:  m,
		logger:   logger,
		ttl:      ttl,
		lockWait: lockWait,
		flights:  newFlightGroup(),
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached result for key if a row exists. Expiry is not
// checked here: entries past their TTL are served until the sweep
// removes them.
func (c *Cache) Get(ctx context.Context, key string) (*scoring.AnalysisResult, bool, error) {
	var resultJSON string
	err := c.db.QueryRow(ctx, `SELECT result_json FROM analysis_cache WHERE key = ?`, key).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var result scoring.AnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &result, true, nil
}

// LatestForTranscript returns the newest cached analysis computed for
// one transcript under one rubric version, regardless of which
// dimension set it was requested with. Review submission uses this to
// snapshot the AI scores a manager is correcting.
func (c *Cache) LatestForTranscript(ctx context.Context, transcriptHash, rubricVersion string) (*scoring.AnalysisResult, bool, error) {
	var resultJSON string
	err := c.db.QueryRow(ctx, `
		SELECT result_json FROM analysis_cache
		WHERE transcript_hash = ? AND rubric_version = ?
		ORDER BY created_at DESC, key
		LIMIT 1
	`, transcriptHash, rubricVersion).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var result scoring.AnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry for transcript %s: %w", transcriptHash, err)
	}
	return &result, true, nil
}

// Put stores result under the request's key. Concurrent writers for the
// same key are last-writer-wins; the computation is deterministic for
// identical inputs, so either row is valid.
func (c *Cache) Put(ctx context.Context, req Request, result *scoring.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis result: %w", err)
	}

	now := time.Now().UTC()
	_, err = c.db.Exec(ctx, `
		INSERT OR REPLACE INTO analysis_cache (key, transcript_hash, rubric_version, dimensions, result_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.Key(), req.TranscriptHash, req.RubricVersion,
		strings.Join(NormalizeDimensions(req.Dimensions), ","),
		string(payload), now.Format(time.RFC3339), now.Add(c.ttl).Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store analysis result: %w", err)
	}
	return nil
}

// ComputeIfAbsent returns the cached result for req, or runs produce
// and caches its result. Across all concurrent callers of the same key
// the producer runs at most once: one caller leads, the rest wait on
// its outcome bounded by the configured lock wait. The bool reports
// whether the result came from the store rather than a producer run.
func (c *Cache) ComputeIfAbsent(ctx context.Context, req Request, produce Producer) (*scoring.AnalysisResult, bool, error) {
	key := req.Key()

	result, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.metrics.RecordHit()
		return result, true, nil
	}

	f, leader := c.flights.join(key)
	if !leader {
		return c.await(ctx, key, f)
	}

	// Re-check under the flight: an earlier leader may have written
	// between the lookup above and the join.
	result, ok, err = c.Get(ctx, key)
	if err != nil {
		c.flights.complete(key, f, nil, err)
		return nil, false, err
	}
	if ok {
		c.metrics.RecordHit()
		c.flights.complete(key, f, result, nil)
		return result, true, nil
	}

	c.metrics.RecordMiss()
	return c.lead(ctx, key, req, f, produce)
}

// Recompute ignores any existing entry and runs produce under the same
// per-key discipline, replacing the stored result on success. A caller
// arriving while another computation for the key is already in flight
// waits on that run; its result is equally fresh.
func (c *Cache) Recompute(ctx context.Context, req Request, produce Producer) (*scoring.AnalysisResult, error) {
	key := req.Key()
	f, leader := c.flights.join(key)
	if !leader {
		result, _, err := c.await(ctx, key, f)
		return result, err
	}
	result, _, err := c.lead(ctx, key, req, f, produce)
	return result, err
}

// lead runs the producer as the flight leader and publishes the outcome
// to every waiter. On failure nothing is cached and the key is released.
func (c *Cache) lead(ctx context.Context, key string, req Request, f *flight, produce Producer) (*scoring.AnalysisResult, bool, error) {
	result, err := produce(ctx)
	c.metrics.RecordProducerCall(err)
	if err != nil {
		var ce *coacherrors.CoachError
		if !stderrors.As(err, &ce) {
			err = coacherrors.Wrap(coacherrors.ProducerFailed, "analysis producer failed", err)
		}
		c.flights.complete(key, f, nil, err)
		return nil, false, err
	}
	if result == nil {
		err := coacherrors.New(coacherrors.ProducerFailed, "analysis producer returned no result")
		c.flights.complete(key, f, nil, err)
		return nil, false, err
	}

	// The write detaches from the caller's deadline: once the producer
	// has finished, an expiring request context must not discard the
	// result or poison waiters.
	if err := c.Put(context.Background(), req, result); err != nil {
		c.logger.Warn("failed to cache analysis result", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	c.flights.complete(key, f, result, nil)
	return result, false, nil
}

// await blocks on another caller's in-flight computation for key,
// bounded by the lock wait and the caller's context. A producer failure
// propagates to every waiter unchanged.
func (c *Cache) await(ctx context.Context, key string, f *flight) (*scoring.AnalysisResult, bool, error) {
	c.metrics.RecordCoalescedWait()
	if c.lockWait == 0 {
		c.metrics.RecordLockTimeout()
		return nil, false, coacherrors.New(coacherrors.LockTimeout,
			"analysis already in flight for this key").WithDetails(map[string]interface{}{"key": key})
	}

	timer := time.NewTimer(c.lockWait)
	defer timer.Stop()

	select {
	case <-f.done:
		if f.err != nil {
			return nil, false, f.err
		}
		return f.result, false, nil
	case <-timer.C:
		c.metrics.RecordLockTimeout()
		return nil, false, coacherrors.Newf(coacherrors.LockTimeout,
			"timed out after %s waiting for in-flight analysis", c.lockWait).WithDetails(map[string]interface{}{"key": key})
	case <-ctx.Done():
		c.metrics.RecordLockTimeout()
		return nil, false, coacherrors.Wrap(coacherrors.LockTimeout,
			"canceled while waiting for in-flight analysis", ctx.Err())
	}
}

// Sweep deletes entries whose TTL has lapsed and returns how many were
// removed. This is the only eviction path; Get and Put never filter on
// expiry.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	res, err := c.db.Exec(ctx, `DELETE FROM analysis_cache WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cache sweep failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache sweep failed: %w", err)
	}
	if n > 0 {
		c.metrics.RecordSwept(int(n))
		c.logger.Debug("swept expired cache entries", map[string]interface{}{"removed": n})
	}
	return n, nil
}

// Clear drops every entry regardless of age.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	res, err := c.db.Exec(ctx, `DELETE FROM analysis_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	return n, nil
}

// Entries lists cache rows newest first, without their payloads.
func (c *Cache) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.Query(ctx, `
		SELECT key, transcript_hash, rubric_version, dimensions, created_at, expires_at
		FROM analysis_cache
		ORDER BY created_at DESC, key
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var dims, createdAt, expiresAt string
		if err := rows.Scan(&e.Key, &e.TranscriptHash, &e.RubricVersion, &dims, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		if dims != "" {
			e.Dimensions = strings.Split(dims, ",")
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats reports the current cache population and counters.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		InFlight: c.flights.size(),
		TTL:      c.ttl.String(),
		Counters: c.metrics.Snapshot(),
	}

	err := c.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(result_json)), 0) FROM analysis_cache`).
		Scan(&stats.Entries, &stats.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := c.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM analysis_cache WHERE expires_at < ?`, now).Scan(&stats.Expired); err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}

	var oldest sql.NullString
	if err := c.db.QueryRow(ctx, `SELECT MIN(created_at) FROM analysis_cache`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339, oldest.String); err == nil {
			stats.OldestEntry = &t
		}
	}
	return stats, nil
}
