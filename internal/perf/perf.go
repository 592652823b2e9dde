// Package perf measures wall-clock durations of named operations. Every
// measurement lands in a Prometheus histogram and in an in-memory aggregate
// served by the status API.
package perf

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ports"
)

var measureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stationsim_measure_duration_seconds",
	Help:    "Duration of bracketed simulator operations",
	Buckets: prometheus.DefBuckets,
}, []string{"name"})

// Stats is the in-memory aggregate for one measurement name.
type Stats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Total time.Duration `json:"total"`
}

// Avg returns the mean duration.
func (s Stats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Tracker implements ports.MeasurementTracker.
type Tracker struct {
	log *zap.Logger

	mu    sync.Mutex
	stats map[string]*Stats
	// open counts begun-but-not-ended measurements, to surface leaks.
	open map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		log:   log,
		stats: make(map[string]*Stats),
		open:  make(map[string]int),
	}
}

// BeginMeasure opens a measurement and returns its token.
func (t *Tracker) BeginMeasure(name string) ports.MeasureToken {
	t.mu.Lock()
	t.open[name]++
	t.mu.Unlock()
	return ports.MeasureToken{ID: uuid.NewString(), Start: time.Now()}
}

// EndMeasure closes a measurement and records its duration.
func (t *Tracker) EndMeasure(name string, token ports.MeasureToken) {
	elapsed := time.Since(token.Start)
	measureDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open[name] > 0 {
		t.open[name]--
	} else {
		t.log.Warn("EndMeasure without matching BeginMeasure", zap.String("name", name))
	}

	s, ok := t.stats[name]
	if !ok {
		s = &Stats{Min: elapsed, Max: elapsed}
		t.stats[name] = s
	}
	s.Count++
	s.Total += elapsed
	if elapsed < s.Min {
		s.Min = elapsed
	}
	if elapsed > s.Max {
		s.Max = elapsed
	}
}

// Snapshot returns a copy of all aggregates.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.stats))
	for name, s := range t.stats {
		out[name] = *s
	}
	return out
}
