package metrics

import (
	"sync"
	"time"

	"github.com/fleetctl/deployctl/pkg/types"
)

// ringCapacity bounds each per-(node, service) sample ring.
const ringCapacity = 100

// averageWindow is the lookback used by Average.
const averageWindow = 10 * time.Minute

// ring is a fixed-capacity circular buffer of MetricSamples for one
// (node, service) pair.
type ring struct {
	samples []types.MetricSample
	next    int
	full    bool
}

func newRing() *ring {
	return &ring{samples: make([]types.MetricSample, ringCapacity)}
}

func (r *ring) append(s types.MetricSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringCapacity
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []types.MetricSample {
	if !r.full {
		return r.samples[:r.next]
	}
	out := make([]types.MetricSample, 0, ringCapacity)
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

// Average is the windowed mean of cpu/mem/rps, or found=false if no
// sample falls within the window.
type Average struct {
	CPUPct float64
	MemPct float64
	RPS    float64
}

// Rings keeps a bounded sample history per (node, service) pair and
// answers the Auto-Scaler's windowed-average queries.
type Rings struct {
	mu   sync.Mutex
	data map[types.MetricKey]*ring
}

// NewRings builds an empty set of sample rings.
func NewRings() *Rings {
	return &Rings{data: make(map[types.MetricKey]*ring)}
}

// Sample appends an observation, growing a new ring on first touch.
func (r *Rings) Sample(key types.MetricKey, now time.Time, cpu, mem, rps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.data[key]
	if !ok {
		ring = newRing()
		r.data[key] = ring
	}
	ring.append(types.MetricSample{Timestamp: now, CPUPct: cpu, MemPct: mem, RPS: rps})
}

// Average returns the mean of samples within averageWindow of now, or
// found=false if the ring is empty or every sample has aged out.
func (r *Rings) Average(key types.MetricKey, now time.Time) (avg Average, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.data[key]
	if !ok {
		return Average{}, false
	}

	cutoff := now.Add(-averageWindow)
	var cpuSum, memSum, rpsSum float64
	var n int
	for _, s := range ring.values() {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		cpuSum += s.CPUPct
		memSum += s.MemPct
		rpsSum += s.RPS
		n++
	}
	if n == 0 {
		return Average{}, false
	}
	return Average{CPUPct: cpuSum / float64(n), MemPct: memSum / float64(n), RPS: rpsSum / float64(n)}, true
}

// AverageAcrossReplicas averages the windowed average for every
// node-scoped key sharing the same service, matching the Auto-Scaler's
// "averaged across replicas" input.
func (r *Rings) AverageAcrossReplicas(keys []types.MetricKey, now time.Time) (avg Average, found bool) {
	var cpuSum, memSum, rpsSum float64
	var n int
	for _, k := range keys {
		a, ok := r.Average(k, now)
		if !ok {
			continue
		}
		cpuSum += a.CPUPct
		memSum += a.MemPct
		rpsSum += a.RPS
		n++
	}
	if n == 0 {
		return Average{}, false
	}
	return Average{CPUPct: cpuSum / float64(n), MemPct: memSum / float64(n), RPS: rpsSum / float64(n)}, true
}
