package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface the engine reports into.
type Recorder interface {
	IncReports(result string)
	IncStoreFailures()
	IncEvictions(n int)
	IncEventsPublished()
	SetLiveDevices(n int)
	SetSubscribers(n int)
	IncCacheHits()
	IncCacheMisses()
	IncHTTPRequests(endpoint string, status int)
}

// PrometheusRecorder registers and updates the prometheus collectors.
type PrometheusRecorder struct {
	reports         *prometheus.CounterVec
	storeFailures   prometheus.Counter
	evictions       prometheus.Counter
	eventsPublished prometheus.Counter
	liveDevices     prometheus.Gauge
	subscribers     prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		reports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_total",
			Help: "Inbound position reports by result (accepted, rejected)",
		}, []string{"result"}),
		storeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_failures_total",
			Help: "Durable-store append/prune failures (ingestion kept running)",
		}),
		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_evictions_total",
			Help: "Devices evicted from the live roster by the inactivity sweep",
		}),
		eventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_published_total",
			Help: "Update/removal events broadcast to subscribers",
		}),
		liveDevices: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_live_devices",
			Help: "Devices currently on the live roster",
		}),
		subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscribers",
			Help: "Connected live-stream subscribers",
		}),
		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_history_cache_hits_total",
			Help: "History query responses served from cache",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_history_cache_misses_total",
			Help: "History query responses computed from the store",
		}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_http_requests_total",
			Help: "HTTP requests by endpoint and status bucket",
		}, []string{"endpoint", "status"}),
	}
}

func (m *PrometheusRecorder) IncReports(result string) { m.reports.WithLabelValues(result).Inc() }
func (m *PrometheusRecorder) IncStoreFailures()        { m.storeFailures.Inc() }
func (m *PrometheusRecorder) IncEvictions(n int)       { m.evictions.Add(float64(n)) }
func (m *PrometheusRecorder) IncEventsPublished()      { m.eventsPublished.Inc() }
func (m *PrometheusRecorder) SetLiveDevices(n int)     { m.liveDevices.Set(float64(n)) }
func (m *PrometheusRecorder) SetSubscribers(n int)     { m.subscribers.Set(float64(n)) }
func (m *PrometheusRecorder) IncCacheHits()            { m.cacheHits.Inc() }
func (m *PrometheusRecorder) IncCacheMisses()          { m.cacheMisses.Inc() }

func (m *PrometheusRecorder) IncHTTPRequests(endpoint string, status int) {
	m.httpRequests.WithLabelValues(endpoint, statusBucket(status)).Inc()
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards all measurements. Used by tests and the one-shot CLI
// commands.
type Noop struct{}

func (Noop) IncReports(string)           {}
func (Noop) IncStoreFailures()           {}
func (Noop) IncEvictions(int)            {}
func (Noop) IncEventsPublished()         {}
func (Noop) SetLiveDevices(int)          {}
func (Noop) SetSubscribers(int)          {}
func (Noop) IncCacheHits()               {}
func (Noop) IncCacheMisses()             {}
func (Noop) IncHTTPRequests(string, int) {}
