// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long a failed pair stays out of rotation.
const DefaultCooldown = 5 * time.Minute

// LoadBalancer selects a key/endpoint pair for each outbound request and
// tracks per-pair health and usage. It is the only writer of that state.
//
// Health follows a two-state machine: healthy → unhealthy on a reported
// failure, unhealthy → healthy once the cooldown elapses. There is no active
// probing. When no healthy pair remains, every pair is reset to healthy
// (fail-open) so traffic keeps flowing.
type LoadBalancer struct {
	pairs    []*pairState
	byID     map[string]*pairState
	strategy RoutingStrategy
	cooldown time.Duration
	now      func() time.Time
	logger   *log.Logger
	mu       sync.Mutex

	roundRobinIndex uint64 // Atomic counter for round-robin
}

type pairState struct {
	pair       KeyEndpointPair
	generation uint64
	recoversAt time.Time
	timer      *time.Timer
}

// BalancerOption configures the LoadBalancer.
type BalancerOption func(*LoadBalancer)

// WithCooldown sets how long a failed pair is excluded from selection.
func WithCooldown(d time.Duration) BalancerOption {
	return func(lb *LoadBalancer) {
		if d > 0 {
			lb.cooldown = d
		}
	}
}

// WithStrategy sets the strategy used by Select.
func WithStrategy(s RoutingStrategy) BalancerOption {
	return func(lb *LoadBalancer) {
		lb.strategy = s
	}
}

// WithBalancerLogger sets the logger for the balancer.
func WithBalancerLogger(l *log.Logger) BalancerOption {
	return func(lb *LoadBalancer) {
		lb.logger = l
	}
}

// WithClock overrides the time source used for LastUsedAt.
func WithClock(now func() time.Time) BalancerOption {
	return func(lb *LoadBalancer) {
		lb.now = now
	}
}

// NewLoadBalancer creates a balancer over the pairs of pool.
// A nil pool yields a balancer whose selections fail with NoAvailablePairsError.
func NewLoadBalancer(pool *KeyPool, opts ...BalancerOption) *LoadBalancer {
	lb := &LoadBalancer{
		byID:     make(map[string]*pairState),
		strategy: RoutingStrategyRoundRobin,
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   log.New(os.Stdout, "[LOAD_BALANCER] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(lb)
	}

	if pool != nil {
		for _, p := range pool.Pairs() {
			st := &pairState{pair: p}
			st.pair.Healthy = true
			lb.pairs = append(lb.pairs, st)
			lb.byID[p.ID] = st
		}
	}

	lb.logger.Printf("Initialized with %d key/endpoint pair(s), strategy=%s, cooldown=%v",
		len(lb.pairs), lb.strategy, lb.cooldown)
	promHealthyPairs.Set(float64(len(lb.pairs)))

	return lb
}

// Strategy returns the configured routing strategy.
func (lb *LoadBalancer) Strategy() RoutingStrategy {
	return lb.strategy
}

// Select picks a pair using the configured strategy.
func (lb *LoadBalancer) Select() (KeyEndpointPair, error) {
	if lb.strategy == RoutingStrategyLeastUsed {
		return lb.SelectLeastUsed()
	}
	return lb.SelectPair()
}

// SelectPair returns the next pair in round-robin order over the healthy subset.
func (lb *LoadBalancer) SelectPair() (KeyEndpointPair, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	healthy, err := lb.healthyLocked()
	if err != nil {
		return KeyEndpointPair{}, err
	}

	index := atomic.AddUint64(&lb.roundRobinIndex, 1) - 1
	return healthy[int(index%uint64(len(healthy)))].snapshot(), nil
}

// SelectLeastUsed returns the healthy pair with the smallest request count.
// Ties go to the pair used least recently; a never-used pair wins over any used one.
func (lb *LoadBalancer) SelectLeastUsed() (KeyEndpointPair, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	healthy, err := lb.healthyLocked()
	if err != nil {
		return KeyEndpointPair{}, err
	}

	best := healthy[0]
	for _, st := range healthy[1:] {
		if lessUsed(st.pair, best.pair) {
			best = st
		}
	}
	return best.snapshot(), nil
}

func lessUsed(a, b KeyEndpointPair) bool {
	if a.RequestCount != b.RequestCount {
		return a.RequestCount < b.RequestCount
	}
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// healthyLocked returns the healthy subset, applying fail-open when it is empty.
// Callers must hold lb.mu.
func (lb *LoadBalancer) healthyLocked() ([]*pairState, error) {
	if len(lb.pairs) == 0 {
		return nil, &NoAvailablePairsError{}
	}

	healthy := make([]*pairState, 0, len(lb.pairs))
	for _, st := range lb.pairs {
		if st.pair.Healthy {
			healthy = append(healthy, st)
		}
	}
	if len(healthy) > 0 {
		return healthy, nil
	}

	lb.logger.Printf("WARNING: No healthy pairs left, resetting all %d pair(s) to healthy", len(lb.pairs))
	for _, st := range lb.pairs {
		st.markHealthy()
	}
	promFailOpenResets.Inc()
	promHealthyPairs.Set(float64(len(lb.pairs)))

	healthy = append(healthy, lb.pairs...)
	return healthy, nil
}

// ReportFailure marks a pair unhealthy and schedules its recovery after the
// cooldown. A later failure on the same pair replaces the pending recovery.
func (lb *LoadBalancer) ReportFailure(pairID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	st, ok := lb.byID[pairID]
	if !ok {
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.generation++
	generation := st.generation
	st.pair.Healthy = false
	st.recoversAt = lb.now().Add(lb.cooldown)
	st.timer = time.AfterFunc(lb.cooldown, func() {
		lb.recover(pairID, generation)
	})

	promPairFailures.WithLabelValues(pairID).Inc()
	promHealthyPairs.Set(float64(lb.countHealthyLocked()))
	lb.logger.Printf("Marked %s (endpoint ...%s) unhealthy for %v", pairID, tail(st.pair.EndpointRef, 10), lb.cooldown)
}

func (lb *LoadBalancer) recover(pairID string, generation uint64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	st, ok := lb.byID[pairID]
	if !ok || st.generation != generation || st.pair.Healthy {
		return
	}

	st.markHealthy()
	promHealthyPairs.Set(float64(lb.countHealthyLocked()))
	lb.logger.Printf("Pair %s recovered after cooldown", pairID)
}

// ReportSuccess records a completed request against the pair.
// Health is not changed.
func (lb *LoadBalancer) ReportSuccess(pairID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	st, ok := lb.byID[pairID]
	if !ok {
		return
	}

	st.pair.RequestCount++
	usedAt := lb.now()
	st.pair.LastUsedAt = &usedAt
}

// Stats returns a read-only snapshot of the pool.
func (lb *LoadBalancer) Stats() BalancerStats {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	stats := BalancerStats{
		Total:    len(lb.pairs),
		Strategy: lb.strategy,
		PerPair:  make([]PairStats, 0, len(lb.pairs)),
	}

	for _, st := range lb.pairs {
		ps := PairStats{
			ID:         st.pair.ID,
			Endpoint:   "..." + tail(st.pair.EndpointRef, 10),
			Credential: st.pair.MaskedCredential(),
			Requests:   st.pair.RequestCount,
			Healthy:    st.pair.Healthy,
		}
		if st.pair.LastUsedAt != nil {
			t := *st.pair.LastUsedAt
			ps.LastUsedAt = &t
		}
		if !st.pair.Healthy {
			t := st.recoversAt
			ps.RecoversAt = &t
		} else {
			stats.Healthy++
		}
		stats.TotalRequests += st.pair.RequestCount
		stats.PerPair = append(stats.PerPair, ps)
	}

	return stats
}

// Close stops all pending recovery timers.
func (lb *LoadBalancer) Close() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, st := range lb.pairs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (lb *LoadBalancer) countHealthyLocked() int {
	n := 0
	for _, st := range lb.pairs {
		if st.pair.Healthy {
			n++
		}
	}
	return n
}

func (st *pairState) markHealthy() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.generation++
	st.pair.Healthy = true
	st.recoversAt = time.Time{}
}

func (st *pairState) snapshot() KeyEndpointPair {
	p := st.pair
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		p.LastUsedAt = &t
	}
	return p
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// BalancerStats is a point-in-time view of the pool.
type BalancerStats struct {
	Total         int             `json:"total"`
	Healthy       int             `json:"healthy"`
	TotalRequests int64           `json:"total_requests"`
	Strategy      RoutingStrategy `json:"strategy"`
	PerPair       []PairStats     `json:"per_pair"`
}

// PairStats describes a single pair inside BalancerStats.
type PairStats struct {
	ID         string     `json:"id"`
	Endpoint   string     `json:"endpoint"`
	Credential string     `json:"credential"`
	Requests   int64      `json:"requests"`
	Healthy    bool       `json:"healthy"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RecoversAt *time.Time `json:"recovers_at,omitempty"`
}
