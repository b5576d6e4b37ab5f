package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/newthinker/spotbot/internal/core"
)

// Breaker modes exported as one series each.
var breakerModes = []string{"RUNNING", "PAUSED", "ALERT"}

// Registry holds all Prometheus metrics.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Trading metrics
	ticksTotal       *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	ordersTotal      *prometheus.CounterVec
	breakerMode      *prometheus.GaugeVec
	boundSymbols     prometheus.Gauge
	backtestsTotal   *prometheus.CounterVec
	backtestDuration prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	stateSaves       *prometheus.CounterVec

	// Exchange metrics
	exchangeRequests *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	exchangeRetries  *prometheus.CounterVec
	clockOffset      prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	r.ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_ticks_total",
			Help: "Total number of ticks by symbol and outcome",
		},
		[]string{"symbol", "outcome"},
	)
	r.tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotbot_tick_duration_seconds",
			Help:    "Tick duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	r.ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_orders_total",
			Help: "Total number of orders by side, kind and final status",
		},
		[]string{"side", "kind", "status"},
	)
	r.breakerMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotbot_breaker_mode",
			Help: "1 for the current circuit breaker mode, 0 otherwise",
		},
		[]string{"mode"},
	)
	r.boundSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_bound_symbols",
			Help: "Number of symbols bound to the live loop",
		},
	)
	r.backtestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_backtests_total",
			Help: "Total number of backtests",
		},
		[]string{"status"},
	)
	r.backtestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotbot_backtest_duration_seconds",
			Help:    "Backtest duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
	r.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_indicator_cache_lookups_total",
			Help: "Indicator cache lookups by result",
		},
		[]string{"result"},
	)
	r.stateSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_state_saves_total",
			Help: "State blob saves by status",
		},
		[]string{"status"},
	)

	r.exchangeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_exchange_requests_total",
			Help: "Exchange requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)
	r.exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotbot_exchange_request_duration_seconds",
			Help:    "Exchange request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	r.exchangeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_exchange_retries_total",
			Help: "Exchange request retries by endpoint",
		},
		[]string{"endpoint"},
	)
	r.clockOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_clock_offset_ms",
			Help: "Applied server time offset in milliseconds",
		},
	)

	reg.MustRegister(r.ticksTotal)
	reg.MustRegister(r.tickDuration)
	reg.MustRegister(r.ordersTotal)
	reg.MustRegister(r.breakerMode)
	reg.MustRegister(r.boundSymbols)
	reg.MustRegister(r.backtestsTotal)
	reg.MustRegister(r.backtestDuration)
	reg.MustRegister(r.cacheLookups)
	reg.MustRegister(r.stateSaves)
	reg.MustRegister(r.exchangeRequests)
	reg.MustRegister(r.exchangeDuration)
	reg.MustRegister(r.exchangeRetries)
	reg.MustRegister(r.clockOffset)

	r.SetBreakerMode("RUNNING")
	return r
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	r.httpRequestsInFlight.Dec()
}

// ObserveTick records one tick of the live loop.
func (r *Registry) ObserveTick(symbol, outcome string, elapsed time.Duration) {
	r.ticksTotal.WithLabelValues(symbol, outcome).Inc()
	r.tickDuration.Observe(elapsed.Seconds())
}

// ObserveOrder records an order the live loop placed.
func (r *Registry) ObserveOrder(side, kind, status string) {
	r.ordersTotal.WithLabelValues(side, kind, status).Inc()
}

// SetBreakerMode marks mode as the current breaker mode.
func (r *Registry) SetBreakerMode(mode string) {
	for _, m := range breakerModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		r.breakerMode.WithLabelValues(m).Set(v)
	}
}

// SetBoundSymbols sets the number of symbols the live loop trades.
func (r *Registry) SetBoundSymbols(n int) {
	r.boundSymbols.Set(float64(n))
}

// ObserveBacktest records a backtest completion.
func (r *Registry) ObserveBacktest(status string, elapsed time.Duration) {
	r.backtestsTotal.WithLabelValues(status).Inc()
	r.backtestDuration.Observe(elapsed.Seconds())
}

// ObserveCacheLookup records an indicator cache hit or miss.
func (r *Registry) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveStateSave records a state blob write.
func (r *Registry) ObserveStateSave(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.stateSaves.WithLabelValues(status).Inc()
}

// ObserveRequest records one exchange request. Failures are labelled by
// error kind.
func (r *Registry) ObserveRequest(endpoint string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(core.KindOf(err))
	}
	r.exchangeRequests.WithLabelValues(endpoint, result).Inc()
	r.exchangeDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveRetry records a retried exchange request.
func (r *Registry) ObserveRetry(endpoint string) {
	r.exchangeRetries.WithLabelValues(endpoint).Inc()
}

// ObserveClockOffset records the server time offset in use.
func (r *Registry) ObserveClockOffset(offset time.Duration) {
	r.clockOffset.Set(float64(offset.Milliseconds()))
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
