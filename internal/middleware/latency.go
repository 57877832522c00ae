// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package middleware

import (
	"sort"
	"sync"
	"time"
)

// LatencyMonitor keeps a rolling window of proxied request durations per
// route target. GET /status surfaces the aggregates so an operator can see
// backend latency without scraping Prometheus.
type LatencyMonitor struct {
	mu         sync.RWMutex
	samples    map[string][]int64 // target -> duration(ms), newest last
	maxSamples int
}

// TargetLatency is the aggregated view for one route target.
type TargetLatency struct {
	Target       string  `json:"target"`
	RequestCount int     `json:"request_count"`
	AvgMS        float64 `json:"avg_ms"`
	P50MS        int64   `json:"p50_ms"`
	P95MS        int64   `json:"p95_ms"`
	P99MS        int64   `json:"p99_ms"`
	MaxMS        int64   `json:"max_ms"`
}

// NewLatencyMonitor creates a monitor keeping at most maxSamples durations
// per target.
func NewLatencyMonitor(maxSamples int) *LatencyMonitor {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &LatencyMonitor{
		samples:    make(map[string][]int64),
		maxSamples: maxSamples,
	}
}

// Record adds one request duration for a target.
func (m *LatencyMonitor) Record(target string, duration time.Duration) {
	ms := duration.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.samples[target], ms)
	if len(window) > m.maxSamples {
		window = window[len(window)-m.maxSamples:]
	}
	m.samples[target] = window
}

// Stats returns the aggregates for every target, sorted by target name.
func (m *LatencyMonitor) Stats() []TargetLatency {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]TargetLatency, 0, len(m.samples))
	for target, window := range m.samples {
		if len(window) == 0 {
			continue
		}

		sorted := make([]int64, len(window))
		copy(sorted, window)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, d := range sorted {
			sum += d
		}

		stats = append(stats, TargetLatency{
			Target:       target,
			RequestCount: len(sorted),
			AvgMS:        float64(sum) / float64(len(sorted)),
			P50MS:        percentile(sorted, 0.50),
			P95MS:        percentile(sorted, 0.95),
			P99MS:        percentile(sorted, 0.99),
			MaxMS:        sorted[len(sorted)-1],
		})
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Target < stats[j].Target })
	return stats
}

// percentile returns the value at percentile p from a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
