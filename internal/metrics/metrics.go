// Package metrics captures shared operational counters for the
// analysis cache and the producer path.
package metrics

import "sync/atomic"

// Metrics holds atomic counters updated by the cache and orchestrator.
type Metrics struct {
	cacheHits        int64
	cacheMisses      int64
	producerCalls    int64
	producerFailures int64
	coalescedWaits   int64
	lockTimeouts     int64
	sweptEntries     int64
}

// Snapshot is a consistent read-only view of the counters.
type Snapshot struct {
	CacheHits        int64 `json:"cacheHits"`
	CacheMisses      int64 `json:"cacheMisses"`
	ProducerCalls    int64 `json:"producerCalls"`
	ProducerFailures int64 `json:"producerFailures"`
	CoalescedWaits   int64 `json:"coalescedWaits"`
	LockTimeouts     int64 `json:"lockTimeouts"`
	SweptEntries     int64 `json:"sweptEntries"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// RecordHit counts a cache read that returned a stored result.
func (m *Metrics) RecordHit() {
	atomic.AddInt64(&m.cacheHits, 1)
}

// RecordMiss counts a cache read that found nothing.
func (m *Metrics) RecordMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
}

// RecordProducerCall counts one producer invocation and its outcome.
func (m *Metrics) RecordProducerCall(err error) {
	atomic.AddInt64(&m.producerCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.producerFailures, 1)
	}
}

// RecordCoalescedWait counts a caller that joined an in-flight compute
// instead of starting its own.
func (m *Metrics) RecordCoalescedWait() {
	atomic.AddInt64(&m.coalescedWaits, 1)
}

// RecordLockTimeout counts a caller that gave up waiting for the
// per-key flight.
func (m *Metrics) RecordLockTimeout() {
	atomic.AddInt64(&m.lockTimeouts, 1)
}

// RecordSwept counts entries removed by a TTL sweep.
func (m *Metrics) RecordSwept(n int) {
	atomic.AddInt64(&m.sweptEntries, int64(n))
}

// Snapshot returns a read-only view of the counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		ProducerCalls:    atomic.LoadInt64(&m.producerCalls),
		ProducerFailures: atomic.LoadInt64(&m.producerFailures),
		CoalescedWaits:   atomic.LoadInt64(&m.coalescedWaits),
		LockTimeouts:     atomic.LoadInt64(&m.lockTimeouts),
		SweptEntries:     atomic.LoadInt64(&m.sweptEntries),
	}
}
