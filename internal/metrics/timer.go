// Package metrics records operation timings in-process and exposes a
// snapshot for the HTTP metrics endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Registry aggregates timings by name. A nil *Registry is valid and records
// nothing.
type Registry struct {
	mu      sync.Mutex
	timings map[string]*aggregate
}

type aggregate struct {
	count int64
	total time.Duration
	max   time.Duration
}

// Timing is a point-in-time view of one named timer.
type Timing struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	TotalMS float64 `json:"total_ms"`
	MeanMS  float64 `json:"mean_ms"`
	MaxMS   float64 `json:"max_ms"`
}

func NewRegistry() *Registry {
	return &Registry{timings: make(map[string]*aggregate)}
}

// Timer starts timing name. Call Done exactly once.
func (r *Registry) Timer(name string) *Timer {
	return &Timer{registry: r, name: name, started: time.Now()}
}

func (r *Registry) observe(name string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.timings[name]
	if !ok {
		agg = &aggregate{}
		r.timings[name] = agg
	}
	agg.count++
	agg.total += elapsed
	if elapsed > agg.max {
		agg.max = elapsed
	}
}

// Snapshot returns all timings sorted by name.
func (r *Registry) Snapshot() []Timing {
	if r == nil {
		return []Timing{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Timing, 0, len(r.timings))
	for name, agg := range r.timings {
		item := Timing{
			Name:    name,
			Count:   agg.count,
			TotalMS: toMS(agg.total),
			MaxMS:   toMS(agg.max),
		}
		if agg.count > 0 {
			item.MeanMS = item.TotalMS / float64(agg.count)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count reports how many times name has completed.
func (r *Registry) Count(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if agg, ok := r.timings[name]; ok {
		return agg.count
	}
	return 0
}

type Timer struct {
	registry *Registry
	name     string
	started  time.Time
}

// Done records the elapsed time and returns it.
func (t *Timer) Done() time.Duration {
	elapsed := time.Since(t.started)
	t.registry.observe(t.name, elapsed)
	return elapsed
}

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
