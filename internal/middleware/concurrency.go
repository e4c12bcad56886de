package middleware

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ConcurrencyLimiter bounds the number of connections a node serves at once.
// Acquisition never blocks: a node that is full tells the client right away.
type ConcurrencyLimiter struct {
	// connSemaphore holds one slot per connection being served
	connSemaphore chan struct{}

	stats struct {
		active   int
		total    int64
		rejected int64
		turns    int64
		mutex    sync.RWMutex
	}
}

// NewConcurrencyLimiter creates a limiter with max slots.
// max <= 0 falls back to 64.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = 64
	}
	return &ConcurrencyLimiter{
		connSemaphore: make(chan struct{}, max),
	}
}

// Capacity returns the number of slots.
func (cl *ConcurrencyLimiter) Capacity() int {
	return cap(cl.connSemaphore)
}

// TryAcquire takes a slot if one is free. Callers must Release a taken slot.
func (cl *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case cl.connSemaphore <- struct{}{}:
		cl.updateStats(1)
		return true
	default:
		cl.stats.mutex.Lock()
		cl.stats.rejected++
		cl.stats.mutex.Unlock()
		return false
	}
}

// Release frees a slot taken by TryAcquire.
func (cl *ConcurrencyLimiter) Release() {
	<-cl.connSemaphore
	cl.updateStats(-1)
}

// CountTurn records one served request turn.
func (cl *ConcurrencyLimiter) CountTurn() {
	cl.stats.mutex.Lock()
	cl.stats.turns++
	cl.stats.mutex.Unlock()
}

func (cl *ConcurrencyLimiter) updateStats(delta int) {
	cl.stats.mutex.Lock()
	defer cl.stats.mutex.Unlock()

	cl.stats.active += delta
	if delta > 0 {
		cl.stats.total++
	}
}

// Stats is a snapshot of the limiter counters.
type Stats struct {
	Active   int
	Total    int64
	Rejected int64
	Turns    int64
}

// GetStats returns the current counters.
func (cl *ConcurrencyLimiter) GetStats() Stats {
	cl.stats.mutex.RLock()
	defer cl.stats.mutex.RUnlock()

	return Stats{
		Active:   cl.stats.active,
		Total:    cl.stats.total,
		Rejected: cl.stats.rejected,
		Turns:    cl.stats.turns,
	}
}

// GetStatsString formats the counters for the periodic stats log.
func (cl *ConcurrencyLimiter) GetStatsString() string {
	s := cl.GetStats()
	return fmt.Sprintf("Connections: %d/%d active, %d total, %d rejected | Turns: %d",
		s.Active, cl.Capacity(), s.Total, s.Rejected, s.Turns)
}

// RateConfig is the per-connection request budget.
type RateConfig struct {
	Limit float64 // requests per second, <= 0 disables limiting
	Burst int
}

// NewTurnLimiter returns the limiter for one connection's request turns,
// or nil when limiting is disabled.
func NewTurnLimiter(cfg RateConfig) *rate.Limiter {
	if cfg.Limit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Limit), burst)
}

