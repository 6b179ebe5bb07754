package metrics

import (
	"errors"
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()
	m.RecordProducerCall(nil)
	m.RecordProducerCall(errors.New("boom"))
	m.RecordCoalescedWait()
	m.RecordLockTimeout()
	m.RecordSwept(3)

	s := m.Snapshot()
	if s.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", s.CacheHits)
	}
	if s.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", s.CacheMisses)
	}
	if s.ProducerCalls != 2 {
		t.Errorf("ProducerCalls = %d, want 2", s.ProducerCalls)
	}
	if s.ProducerFailures != 1 {
		t.Errorf("ProducerFailures = %d, want 1", s.ProducerFailures)
	}
	if s.CoalescedWaits != 1 {
		t.Errorf("CoalescedWaits = %d, want 1", s.CoalescedWaits)
	}
	if s.LockTimeouts != 1 {
		t.Errorf("LockTimeouts = %d, want 1", s.LockTimeouts)
	}
	if s.SweptEntries != 3 {
		t.Errorf("SweptEntries = %d, want 3", s.SweptEntries)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := New()
	m.RecordHit()

	before := m.Snapshot()
	m.RecordHit()

	if before.CacheHits != 1 {
		t.Errorf("snapshot changed after later writes: CacheHits = %d, want 1", before.CacheHits)
	}
	if after := m.Snapshot(); after.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", after.CacheHits)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := New()

	const goroutines = 8
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				m.RecordHit()
				m.RecordMiss()
				m.RecordProducerCall(nil)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	want := int64(goroutines * perGoroutine)
	if s.CacheHits != want {
		t.Errorf("CacheHits = %d, want %d", s.CacheHits, want)
	}
	if s.CacheMisses != want {
		t.Errorf("CacheMisses = %d, want %d", s.CacheMisses, want)
	}
	if s.ProducerCalls != want {
		t.Errorf("ProducerCalls = %d, want %d", s.ProducerCalls, want)
	}
	if s.ProducerFailures != 0 {
		t.Errorf("ProducerFailures = %d, want 0", s.ProducerFailures)
	}
}
