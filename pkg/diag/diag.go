// Package diag exposes the module's instrumentation over a Prometheus
// registry. All methods are nil-safe so components can run without one.
package diag

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry      *prometheus.Registry
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	pointsLoaded  prometheus.Gauge
	rowsDropped   prometheus.Counter
	tilesInFlight prometheus.Gauge
	interactions  *prometheus.CounterVec
	viewportFits  prometheus.Counter
	feedReconnect prometheus.Counter
}

// New creates a fresh registry with every radiomap metric registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "radiomap",
		Name:      "fetches_total",
		Help:      "Count of event fetches by mode and outcome",
	}, []string{"mode", "result"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "radiomap",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of event fetches",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	pointsLoaded := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "radiomap",
		Name:      "points_loaded",
		Help:      "Points in the active collection",
	})

	rowsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "radiomap",
		Name:      "rows_dropped_total",
		Help:      "Rows discarded during normalization for missing or non-finite coordinates",
	})

	tilesInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "radiomap",
		Name:      "tiles_in_flight",
		Help:      "Tile loads currently outstanding on the map engine",
	})

	interactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "radiomap",
		Name:      "interactions_total",
		Help:      "Pointer interactions resolved against rendered features",
	}, []string{"kind"})

	viewportFits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "radiomap",
		Name:      "viewport_fits_total",
		Help:      "Camera moves issued by the viewport fit controller",
	})

	feedReconnect := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "radiomap",
		Name:      "live_feed_reconnects_total",
		Help:      "Reconnect attempts made by the live event feed",
	})

	registry.MustRegister(
		fetchesTotal,
		fetchDuration,
		pointsLoaded,
		rowsDropped,
		tilesInFlight,
		interactions,
		viewportFits,
		feedReconnect,
	)

	return &Metrics{
		registry:      registry,
		fetchesTotal:  fetchesTotal,
		fetchDuration: fetchDuration,
		pointsLoaded:  pointsLoaded,
		rowsDropped:   rowsDropped,
		tilesInFlight: tilesInFlight,
		interactions:  interactions,
		viewportFits:  viewportFits,
		feedReconnect: feedReconnect,
	}
}

// ObserveFetch records one fetch attempt and its duration.
func (m *Metrics) ObserveFetch(mode, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.With(prometheus.Labels{"mode": mode, "result": result}).Inc()
	m.fetchDuration.With(prometheus.Labels{"mode": mode}).Observe(duration.Seconds())
}

// SetPointsLoaded tracks the size of the active collection.
func (m *Metrics) SetPointsLoaded(n int) {
	if m == nil {
		return
	}
	m.pointsLoaded.Set(float64(n))
}

// AddRowsDropped accumulates normalizer drops.
func (m *Metrics) AddRowsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsDropped.Add(float64(n))
}

// SetTilesInFlight mirrors the tile loading counter.
func (m *Metrics) SetTilesInFlight(n int) {
	if m == nil {
		return
	}
	m.tilesInFlight.Set(float64(n))
}

// IncInteraction counts one resolved pointer interaction.
func (m *Metrics) IncInteraction(kind string) {
	if m == nil {
		return
	}
	m.interactions.With(prometheus.Labels{"kind": kind}).Inc()
}

// IncViewportFit counts one issued camera move.
func (m *Metrics) IncViewportFit() {
	if m == nil {
		return
	}
	m.viewportFits.Inc()
}

// IncFeedReconnect counts one live feed reconnect attempt.
func (m *Metrics) IncFeedReconnect() {
	if m == nil {
		return
	}
	m.feedReconnect.Inc()
}

// Handler exposes the registry over HTTP for the debug listener.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
