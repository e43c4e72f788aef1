package recordsync

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/burugo/recordsync"

// CacheStats holds operation counters for monitoring.
type CacheStats struct {
	Counters map[string]int // Operation name to count
}

// metrics keeps in-process counters for Stats and mirrors them to
// OpenTelemetry instruments.
type metrics struct {
	mu       sync.Mutex
	counters map[string]int

	instruments map[string]metric.Int64Counter
}

var instrumentDescriptions = map[string]string{
	"cache.hits":            "Subscriptions served from a fresh cache entry",
	"cache.misses":          "Subscriptions that required a provider read",
	"cache.fetches":         "Provider reads issued by the query cache",
	"cache.fetch_errors":    "Provider reads that failed",
	"cache.invalidations":   "Cache entries marked stale",
	"mutations.committed":   "Mutations confirmed by the provider",
	"mutations.rolled_back": "Undoable mutations cancelled inside their window",
	"mutations.failed":      "Mutations rejected by the provider",
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &metrics{
		counters:    make(map[string]int),
		instruments: make(map[string]metric.Int64Counter, len(instrumentDescriptions)),
	}
	for name, desc := range instrumentDescriptions {
		counter, err := meter.Int64Counter("recordsync."+name, metric.WithDescription(desc))
		if err != nil {
			continue
		}
		m.instruments[name] = counter
	}
	return m
}

// incr bumps a counter. Names that have an OpenTelemetry instrument are
// exported with the resource attribute.
func (m *metrics) incr(name, resource string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()

	if counter, ok := m.instruments[name]; ok {
		counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("resource", resource)))
	}
}

func (m *metrics) snapshot() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return CacheStats{Counters: out}
}
