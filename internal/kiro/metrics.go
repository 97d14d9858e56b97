package kiro

import (
	"sync"
	"time"
)

// AccountMetrics is the observability snapshot kept per account: request
// counts, latency, and recency. These numbers are exposed on the management
// surface for operators; they do not feed account selection — the
// lowest-usage policy reads Account.UsedCount/LastUsed instead, not these.
type AccountMetrics struct {
	TotalRequests int
	SuccessCount  int
	FailCount     int
	SuccessRate   float64
	AvgLatencyMs  float64
	LastUsed      time.Time

	totalLatencyMs float64
}

// MetricsRegistry tracks AccountMetrics per account ID.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]*AccountMetrics
}

// NewMetricsRegistry builds an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{metrics: make(map[string]*AccountMetrics)}
}

func (r *MetricsRegistry) getOrCreate(accountID string) *AccountMetrics {
	if m, ok := r.metrics[accountID]; ok {
		return m
	}
	m := &AccountMetrics{SuccessRate: 1.0}
	r.metrics[accountID] = m
	return m
}

// RecordRequest logs the outcome and latency of one dispatched request.
func (r *MetricsRegistry) RecordRequest(accountID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.getOrCreate(accountID)
	m.TotalRequests++
	m.LastUsed = time.Now()
	m.totalLatencyMs += float64(latency.Milliseconds())

	if success {
		m.SuccessCount++
	} else {
		m.FailCount++
	}

	if m.TotalRequests > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalRequests)
		m.AvgLatencyMs = m.totalLatencyMs / float64(m.TotalRequests)
	}
}

// Snapshot returns a copy of the metrics for accountID, or a zero value
// (SuccessRate 1.0) if nothing has been recorded yet.
func (r *MetricsRegistry) Snapshot(accountID string) AccountMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[accountID]; ok {
		return *m
	}
	return AccountMetrics{SuccessRate: 1.0}
}

// All returns a copy of every tracked account's metrics, keyed by ID.
func (r *MetricsRegistry) All() map[string]AccountMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AccountMetrics, len(r.metrics))
	for id, m := range r.metrics {
		out[id] = *m
	}
	return out
}
