package rpc

import (
	"sync"
	"time"
)

// simpleHealthTracker implements HealthTracker with a per-endpoint circuit
// breaker over cumulative call counts: the circuit opens once failures
// outnumber successes by failureThreshold (3), closes once successes
// outnumber failures by successThreshold (2), and an open circuit is tried
// again circuitOpenWindow after its last failure.
type simpleHealthTracker struct {
	mu     sync.RWMutex
	health map[string]*EndpointHealth

	failureThreshold  int
	successThreshold  int
	circuitOpenWindow time.Duration
}

// NewHealthTracker builds a HealthTracker with default circuit-breaker
// thresholds.
func NewHealthTracker() HealthTracker {
	return &simpleHealthTracker{
		health:            make(map[string]*EndpointHealth),
		failureThreshold:  3,
		successThreshold:  2,
		circuitOpenWindow: 30 * time.Second,
	}
}

func (t *simpleHealthTracker) RecordSuccess(endpoint string, durationMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.SuccessfulCalls++
	h.LastSuccess = time.Now().Unix()

	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = durationMs
	} else {
		h.AvgLatencyMs = (h.AvgLatencyMs*9 + durationMs) / 10
	}

	if h.CircuitOpen {
		if h.SuccessfulCalls-h.FailedCalls >= int64(t.successThreshold) {
			h.CircuitOpen = false
		}
	}
}

func (t *simpleHealthTracker) RecordFailure(endpoint string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.getOrCreate(endpoint)
	h.TotalCalls++
	h.FailedCalls++
	h.LastFailure = time.Now().Unix()

	if h.FailedCalls-h.SuccessfulCalls >= int64(t.failureThreshold) {
		h.CircuitOpen = true
	}
}

func (t *simpleHealthTracker) IsHealthy(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.health[endpoint]
	if !ok {
		return true
	}
	if h.CircuitOpen {
		if time.Now().Unix()-h.LastFailure < int64(t.circuitOpenWindow.Seconds()) {
			return false
		}
	}
	return true
}

func (t *simpleHealthTracker) GetBestEndpoint(endpoints []string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best string
	bestScore := -1.0

	for _, endpoint := range endpoints {
		if !t.isHealthyLocked(endpoint) {
			continue
		}
		h, ok := t.health[endpoint]
		if !ok {
			return endpoint
		}
		successRate := float64(h.SuccessfulCalls) / float64(h.TotalCalls)
		latencyFactor := 1.0 / (float64(h.AvgLatencyMs) + 1.0)
		score := successRate*0.7 + latencyFactor*0.3
		if score > bestScore {
			bestScore = score
			best = endpoint
		}
	}

	if best == "" && len(endpoints) > 0 {
		return endpoints[0]
	}
	return best
}

func (t *simpleHealthTracker) isHealthyLocked(endpoint string) bool {
	h, ok := t.health[endpoint]
	if !ok {
		return true
	}
	if h.CircuitOpen && time.Now().Unix()-h.LastFailure < int64(t.circuitOpenWindow.Seconds()) {
		return false
	}
	return true
}

func (t *simpleHealthTracker) Reset(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.health, endpoint)
}

func (t *simpleHealthTracker) getOrCreate(endpoint string) *EndpointHealth {
	h, ok := t.health[endpoint]
	if !ok {
		h = &EndpointHealth{Endpoint: endpoint}
		t.health[endpoint] = h
	}
	return h
}
