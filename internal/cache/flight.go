package cache

import (
	"sync"

	"coach/internal/scoring"
)

// flight is one in-progress computation. result and err are written
// before done closes, so every waiter observes the same outcome.
type flight struct {
	done   chan struct{}
	result *scoring.AnalysisResult
	err    error
}

// flightGroup serializes computations per cache key. The first caller
// to join a key becomes the leader and must call complete exactly once;
// later callers for the same key block on the flight's done channel.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// join returns the flight for key and whether the caller is its leader.
func (g *flightGroup) join(key string) (*flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

// complete publishes the outcome and releases the key. The entry is
// removed before done closes, so a caller arriving after completion
// starts a fresh flight instead of reading a finished one.
func (g *flightGroup) complete(key string, f *flight, result *scoring.AnalysisResult, err error) {
	f.result = result
	f.err = err
	g.mu.Lock()
	delete(g.flights, key)
	g.mu.Unlock()
	close(f.done)
}

// size reports how many computations are currently in flight.
func (g *flightGroup) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
