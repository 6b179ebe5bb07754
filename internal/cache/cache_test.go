package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/metrics"
	"coach/internal/scoring"
	"coach/internal/storage"
)

func newTestCache(t *testing.T, ttl, lockWait time.Duration) *Cache {
	t.Helper()
	logger := logging.NewLogger(logging.Config{Level: logging.ErrorLevel})
	db, err := storage.OpenMemory(logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, metrics.New(), logger, ttl, lockWait)
}

func resultWithOverall(overall int) *scoring.AnalysisResult {
	score := overall
	return &scoring.AnalysisResult{
		Dimensions: map[string]scoring.DimensionScore{
			"discovery": {Score: &score},
		},
		Overall:        &score,
		RubricVersion:  "1.0.0",
		TranscriptHash: "abc123",
		AnalyzedAt:     time.Now().UTC(),
	}
}

func TestComputeIfAbsent(t *testing.T) {
	ctx := context.Background()
	req := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}

	t.Run("miss computes then hit serves stored result", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		calls := 0
		produce := func(ctx context.Context) (*scoring.AnalysisResult, error) {
			calls++
			return resultWithOverall(72), nil
		}

		result, fromCache, err := c.ComputeIfAbsent(ctx, req, produce)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		if fromCache {
			t.Error("first call should not report a cache hit")
		}
		if result.Overall == nil || *result.Overall != 72 {
			t.Fatalf("overall = %v, want 72", result.Overall)
		}

		result, fromCache, err = c.ComputeIfAbsent(ctx, req, produce)
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}
		if !fromCache {
			t.Error("identical request should hit the cache")
		}
		if result.Overall == nil || *result.Overall != 72 {
			t.Errorf("cached overall = %v, want 72", result.Overall)
		}
		if calls != 1 {
			t.Errorf("producer ran %d times, want 1", calls)
		}
	})

	t.Run("dimension order and duplicates share one entry", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		calls := 0
		produce := func(ctx context.Context) (*scoring.AnalysisResult, error) {
			calls++
			return resultWithOverall(72), nil
		}

		first := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"engagement", "discovery"}}
		second := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery", "engagement", "discovery"}}

		if _, _, err := c.ComputeIfAbsent(ctx, first, produce); err != nil {
			t.Fatalf("first request failed: %v", err)
		}
		_, fromCache, err := c.ComputeIfAbsent(ctx, second, produce)
		if err != nil {
			t.Fatalf("second request failed: %v", err)
		}
		if !fromCache || calls != 1 {
			t.Errorf("equivalent requests should share one entry (fromCache=%v, calls=%d)", fromCache, calls)
		}
	})

	t.Run("producer error caches nothing and is typed", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		boom := coacherrors.New(coacherrors.ProducerFailed, "model unavailable")
		_, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return nil, boom
		})
		if !coacherrors.IsCode(err, coacherrors.ProducerFailed) {
			t.Fatalf("error = %v, want PRODUCER_FAILED", err)
		}
		if !coacherrors.Retryable(err) {
			t.Error("producer failures must be retryable")
		}

		if _, ok, _ := c.Get(ctx, req.Key()); ok {
			t.Error("failed computation must not be cached")
		}

		// The key is released, so a retry computes successfully.
		result, fromCache, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return resultWithOverall(68), nil
		})
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		if fromCache || result.Overall == nil || *result.Overall != 68 {
			t.Errorf("retry = (%v, fromCache=%v), want fresh 68", result.Overall, fromCache)
		}
	})

	t.Run("untyped producer error surfaces as producer failure", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		_, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return nil, context.DeadlineExceeded
		})
		if !coacherrors.IsCode(err, coacherrors.ProducerFailed) {
			t.Errorf("error = %v, want PRODUCER_FAILED", err)
		}
	})

	t.Run("producer timeout leaves key retryable", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		slowCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, _, err := c.ComputeIfAbsent(slowCtx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return resultWithOverall(72), nil
			}
		})
		if !coacherrors.IsCode(err, coacherrors.ProducerFailed) {
			t.Fatalf("error = %v, want PRODUCER_FAILED", err)
		}
		if _, ok, _ := c.Get(ctx, req.Key()); ok {
			t.Error("timed-out computation must not be cached")
		}

		result, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return resultWithOverall(72), nil
		})
		if err != nil {
			t.Fatalf("retry after timeout failed: %v", err)
		}
		if result.Overall == nil || *result.Overall != 72 {
			t.Errorf("retry overall = %v, want 72", result.Overall)
		}
	})

	t.Run("nil result from producer is an error", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		_, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return nil, nil
		})
		if !coacherrors.IsCode(err, coacherrors.ProducerFailed) {
			t.Errorf("error = %v, want PRODUCER_FAILED", err)
		}
	})
}

func TestComputeIfAbsentCoalescing(t *testing.T) {
	ctx := context.Background()
	req := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}

	t.Run("concurrent callers share one producer run", func(t *testing.T) {
		c := newTestCache(t, 0, 2*time.Second)

		var mu sync.Mutex
		calls := 0
		started := make(chan struct{})
		release := make(chan struct{})

		produce := func(ctx context.Context) (*scoring.AnalysisResult, error) {
			mu.Lock()
			calls++
			if calls == 1 {
				close(started)
			}
			mu.Unlock()
			<-release
			return resultWithOverall(72), nil
		}

		const workers = 5
		results := make([]*scoring.AnalysisResult, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[0], _, errs[0] = c.ComputeIfAbsent(ctx, req, produce)
		}()
		<-started

		for i := 1; i < workers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx], _, errs[idx] = c.ComputeIfAbsent(ctx, req, produce)
			}(i)
		}

		// Give the waiters time to join the flight before releasing it.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for i := 0; i < workers; i++ {
			if errs[i] != nil {
				t.Fatalf("caller %d failed: %v", i, errs[i])
			}
			if results[i] == nil || results[i].Overall == nil || *results[i].Overall != 72 {
				t.Errorf("caller %d got %+v, want overall 72", i, results[i])
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Errorf("producer ran %d times for %d concurrent callers, want 1", calls, workers)
		}
	})

	t.Run("producer failure propagates to every waiter", func(t *testing.T) {
		c := newTestCache(t, 0, 2*time.Second)

		started := make(chan struct{})
		release := make(chan struct{})
		produce := func(ctx context.Context) (*scoring.AnalysisResult, error) {
			close(started)
			<-release
			return nil, coacherrors.New(coacherrors.ProducerFailed, "model unavailable")
		}

		var wg sync.WaitGroup
		var leaderErr, waiterErr error

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, leaderErr = c.ComputeIfAbsent(ctx, req, produce)
		}()
		<-started

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, waiterErr = c.ComputeIfAbsent(ctx, req, produce)
		}()

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if !coacherrors.IsCode(leaderErr, coacherrors.ProducerFailed) {
			t.Errorf("leader error = %v, want PRODUCER_FAILED", leaderErr)
		}
		if !coacherrors.IsCode(waiterErr, coacherrors.ProducerFailed) {
			t.Errorf("waiter error = %v, want PRODUCER_FAILED", waiterErr)
		}
		if _, ok, _ := c.Get(ctx, req.Key()); ok {
			t.Error("failed computation must not be cached")
		}
	})

	t.Run("zero lock wait fails fast", func(t *testing.T) {
		c := newTestCache(t, 0, 0)

		started := make(chan struct{})
		release := make(chan struct{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
				close(started)
				<-release
				return resultWithOverall(72), nil
			})
		}()
		<-started

		_, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			t.Error("second producer must not run while the key is in flight")
			return nil, nil
		})
		if !coacherrors.IsCode(err, coacherrors.LockTimeout) {
			t.Errorf("error = %v, want LOCK_TIMEOUT", err)
		}
		if !coacherrors.Retryable(err) {
			t.Error("lock timeouts must be retryable")
		}

		close(release)
		wg.Wait()
	})

	t.Run("bounded wait times out", func(t *testing.T) {
		c := newTestCache(t, 0, 30*time.Millisecond)

		started := make(chan struct{})
		release := make(chan struct{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
				close(started)
				<-release
				return resultWithOverall(72), nil
			})
		}()
		<-started

		_, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return nil, nil
		})
		if !coacherrors.IsCode(err, coacherrors.LockTimeout) {
			t.Errorf("error = %v, want LOCK_TIMEOUT", err)
		}

		close(release)
		wg.Wait()
	})

	t.Run("waiter context cancellation maps to lock timeout", func(t *testing.T) {
		c := newTestCache(t, 0, 2*time.Second)

		started := make(chan struct{})
		release := make(chan struct{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
				close(started)
				<-release
				return resultWithOverall(72), nil
			})
		}()
		<-started

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, _, err := c.ComputeIfAbsent(waitCtx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
			return nil, nil
		})
		if !coacherrors.IsCode(err, coacherrors.LockTimeout) {
			t.Errorf("error = %v, want LOCK_TIMEOUT", err)
		}

		close(release)
		wg.Wait()
	})

	t.Run("distinct keys compute in parallel", func(t *testing.T) {
		c := newTestCache(t, 0, 2*time.Second)

		aStarted := make(chan struct{})
		bStarted := make(chan struct{})
		reqA := Request{TranscriptHash: "aaa", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}
		reqB := Request{TranscriptHash: "bbb", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}

		var wg sync.WaitGroup
		var errA, errB error

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errA = c.ComputeIfAbsent(ctx, reqA, func(ctx context.Context) (*scoring.AnalysisResult, error) {
				close(aStarted)
				select {
				case <-bStarted:
					return resultWithOverall(70), nil
				case <-time.After(2 * time.Second):
					return nil, coacherrors.New(coacherrors.Internal, "peer never started")
				}
			})
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errB = c.ComputeIfAbsent(ctx, reqB, func(ctx context.Context) (*scoring.AnalysisResult, error) {
				close(bStarted)
				select {
				case <-aStarted:
					return resultWithOverall(80), nil
				case <-time.After(2 * time.Second):
					return nil, coacherrors.New(coacherrors.Internal, "peer never started")
				}
			})
		}()

		wg.Wait()
		if errA != nil || errB != nil {
			t.Errorf("distinct keys must not serialize: errA=%v errB=%v", errA, errB)
		}
	})
}

func TestRecompute(t *testing.T) {
	ctx := context.Background()
	req := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}
	c := newTestCache(t, 0, 0)

	if _, _, err := c.ComputeIfAbsent(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
		return resultWithOverall(60), nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	calls := 0
	result, err := c.Recompute(ctx, req, func(ctx context.Context) (*scoring.AnalysisResult, error) {
		calls++
		return resultWithOverall(85), nil
	})
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("producer ran %d times, want 1", calls)
	}
	if result.Overall == nil || *result.Overall != 85 {
		t.Errorf("overall = %v, want 85", result.Overall)
	}

	// The stored entry was replaced, not just returned.
	stored, ok, err := c.Get(ctx, req.Key())
	if err != nil || !ok {
		t.Fatalf("Get after recompute = (%v, %v)", ok, err)
	}
	if stored.Overall == nil || *stored.Overall != 85 {
		t.Errorf("stored overall = %v, want 85", stored.Overall)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	req := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}
	c := newTestCache(t, 10*time.Millisecond, 0)

	if err := c.Put(ctx, req, resultWithOverall(72)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, req.Key()); !ok {
		t.Fatal("entry should be readable immediately")
	}

	time.Sleep(1100 * time.Millisecond)

	// Expiry alone does not hide entries; only the sweep removes them.
	if _, ok, _ := c.Get(ctx, req.Key()); !ok {
		t.Error("expired entry should still serve until swept")
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Expired != 1 {
		t.Errorf("expired pending = %d, want 1", stats.Expired)
	}

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d entries, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, req.Key()); ok {
		t.Error("swept entry should be gone")
	}

	n, err = c.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", n, err)
	}
}

func TestClearAndEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0, 0)

	for _, hash := range []string{"aaa", "bbb", "ccc"} {
		req := Request{TranscriptHash: hash, RubricVersion: "1.0.0", Dimensions: []string{"discovery", "engagement"}}
		if err := c.Put(ctx, req, resultWithOverall(70)); err != nil {
			t.Fatalf("Put %s failed: %v", hash, err)
		}
	}

	entries, err := c.Entries(ctx, 10)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if len(entries[0].Dimensions) != 2 {
		t.Errorf("dimensions = %v, want 2 entries", entries[0].Dimensions)
	}
	if entries[0].ExpiresAt.Before(entries[0].CreatedAt) {
		t.Error("expires_at should be after created_at")
	}

	n, err := c.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d entries, want 3", n)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("entries after clear = %d, want 0", stats.Entries)
	}
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	req := Request{TranscriptHash: "abc123", RubricVersion: "1.0.0", Dimensions: []string{"discovery"}}
	c := newTestCache(t, 0, 0)

	produce := func(ctx context.Context) (*scoring.AnalysisResult, error) {
		return resultWithOverall(72), nil
	}
	if _, _, err := c.ComputeIfAbsent(ctx, req, produce); err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if _, _, err := c.ComputeIfAbsent(ctx, req, produce); err != nil {
		t.Fatalf("compute failed: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Counters.CacheMisses != 1 || stats.Counters.CacheHits != 1 {
		t.Errorf("counters = %+v, want 1 miss and 1 hit", stats.Counters)
	}
	if stats.Counters.ProducerCalls != 1 {
		t.Errorf("producer calls = %d, want 1", stats.Counters.ProducerCalls)
	}
	if stats.Entries != 1 || stats.SizeBytes <= 0 {
		t.Errorf("population = %d entries / %d bytes", stats.Entries, stats.SizeBytes)
	}
	if stats.OldestEntry == nil {
		t.Error("oldest entry should be set")
	}
}
