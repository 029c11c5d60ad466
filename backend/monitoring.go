// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"maps"
	"sync"
	"time"
)

const (
	latencyBuckets    = 41
	latencyBucketSize = 5 * time.Millisecond

	rateResolution = time.Minute
	rateBuckets    = 120
)

// Histogram counts durations in fixed-size buckets. The last bucket holds
// everything above its lower bound.
type Histogram struct {
	Buckets [latencyBuckets]uint64 `json:"buckets"`
	Count   uint64                 `json:"count"`
	SumMS   float64                `json:"sumMs"`
}

func (h *Histogram) Add(d time.Duration) {
	idx := int(d / latencyBucketSize)
	if idx >= latencyBuckets {
		idx = latencyBuckets - 1
	}
	h.Buckets[idx]++
	h.Count++
	h.SumMS += float64(d) / float64(time.Millisecond)
}

// Quantile returns the upper bound of the bucket holding quantile q.
func (h *Histogram) Quantile(q float64) time.Duration {
	if h.Count == 0 {
		return 0
	}
	target := uint64(q*float64(h.Count) + 0.5)
	target = max(target, 1)
	var seen uint64
	for i, n := range h.Buckets {
		seen += n
		if seen >= target {
			return time.Duration(i+1) * latencyBucketSize
		}
	}
	return latencyBuckets * latencyBucketSize
}

// Point is one sample of a time series.
type Point struct {
	Timestamp int64  `json:"t"`
	Value     uint64 `json:"v"`
}

// RingBuffer is a fixed-size circular time series. Values added within the
// same resolution step are summed.
type RingBuffer struct {
	resolution time.Duration
	data       []Point
	head       int // next write position
}

func newRingBuffer(resolution time.Duration, n int) *RingBuffer {
	return &RingBuffer{resolution: resolution, data: make([]Point, n)}
}

func (rb *RingBuffer) Add(t time.Time, value uint64) {
	ts := t.Truncate(rb.resolution).Unix()
	prev := (rb.head - 1 + len(rb.data)) % len(rb.data)
	if rb.data[prev].Timestamp == ts {
		rb.data[prev].Value += value
		return
	}
	rb.data[rb.head] = Point{Timestamp: ts, Value: value}
	rb.head = (rb.head + 1) % len(rb.data)
}

// Points returns the samples in time order.
func (rb *RingBuffer) Points() []Point {
	points := make([]Point, 0, len(rb.data))
	for i := range rb.data {
		if p := rb.data[(rb.head+i)%len(rb.data)]; p.Timestamp > 0 {
			points = append(points, p)
		}
	}
	return points
}

// ActionStats aggregates the outcome and latency of umpire requests
// handled by this node.
type ActionStats struct {
	mu        sync.Mutex
	latency   Histogram
	outcomes  map[string]uint64
	perMinute *RingBuffer
}

func NewActionStats() *ActionStats {
	return &ActionStats{
		outcomes:  make(map[string]uint64),
		perMinute: newRingBuffer(rateResolution, rateBuckets),
	}
}

// Record adds one request that ended with outcome (a message type) after d,
// applying applied actions.
func (s *ActionStats) Record(outcome string, d time.Duration, applied int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency.Add(d)
	s.outcomes[outcome]++
	if applied > 0 {
		s.perMinute.Add(now, uint64(applied))
	}
}

// StatsSnapshot is the JSON view of ActionStats.
type StatsSnapshot struct {
	Requests         uint64            `json:"requests"`
	P50MS            int64             `json:"p50Ms"`
	P99MS            int64             `json:"p99Ms"`
	Latency          Histogram         `json:"latency"`
	Outcomes         map[string]uint64 `json:"outcomes"`
	ActionsPerMinute []Point           `json:"actionsPerMinute"`
	ActiveHubs       int               `json:"activeHubs"`
}

func (s *ActionStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Requests:         s.latency.Count,
		P50MS:            s.latency.Quantile(0.5).Milliseconds(),
		P99MS:            s.latency.Quantile(0.99).Milliseconds(),
		Latency:          s.latency,
		Outcomes:         maps.Clone(s.outcomes),
		ActionsPerMinute: s.perMinute.Points(),
	}
}
