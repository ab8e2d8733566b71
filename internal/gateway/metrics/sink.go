// Package metrics implements the Metrics Sink (§2, §6): the counters and
// gauges named in the external-interfaces table, exported as Prometheus
// collectors. Grounded on caddy's promauto.NewCounterVec registration idiom
// (_examples/caddyserver-caddy/metrics.go); prometheus's own counters are
// already lock-free atomic increments, satisfying §5's "metrics counters use
// lock-free increments" directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proxyguard"

// Sink implements ports.MetricsSink.
type Sink struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	bytesUpTotal         prometheus.Counter
	bytesDownTotal       prometheus.Counter
	authFailuresTotal    prometheus.Counter
	upstreamFailuresTotal *prometheus.CounterVec
	poolSize             prometheus.Gauge
	poolHealthy          prometheus.Gauge
	breakerOpen          *prometheus.GaugeVec
	reloadParseErrors    prometheus.Counter
}

// New builds a Sink and registers its collectors on a fresh registry.
func New() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	s := &Sink{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Count of tunnel sessions by result.",
		}, []string{"result"}),
		bytesUpTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_up_total",
			Help:      "Bytes relayed from client to upstream.",
		}),
		bytesDownTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_down_total",
			Help:      "Bytes relayed from upstream to client.",
		}),
		authFailuresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Count of rejected client authentications.",
		}),
		upstreamFailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Count of failures attributed to a given upstream.",
		}, []string{"upstream"}),
		poolSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Number of upstreams in the current pool snapshot.",
		}),
		poolHealthy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_healthy",
			Help:      "Number of upstreams currently Healthy.",
		}),
		breakerOpen: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 if the upstream's breaker is Open, else 0.",
		}, []string{"upstream"}),
		reloadParseErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_parse_errors_total",
			Help:      "Count of proxy-file reloads rejected by a parse error.",
		}),
	}
	return s
}

// Registry exposes the underlying registry for the admin HTTP surface's
// /metrics handler.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Sink) IncRequests(result string) {
	s.requestsTotal.WithLabelValues(result).Inc()
}

func (s *Sink) AddBytesUp(n int64) {
	if n <= 0 {
		return
	}
	s.bytesUpTotal.Add(float64(n))
}

func (s *Sink) AddBytesDown(n int64) {
	if n <= 0 {
		return
	}
	s.bytesDownTotal.Add(float64(n))
}

func (s *Sink) IncAuthFailures() {
	s.authFailuresTotal.Inc()
}

func (s *Sink) IncUpstreamFailures(upstream string) {
	s.upstreamFailuresTotal.WithLabelValues(upstream).Inc()
}

func (s *Sink) SetPoolSize(n int) {
	s.poolSize.Set(float64(n))
}

func (s *Sink) SetPoolHealthy(n int) {
	s.poolHealthy.Set(float64(n))
}

func (s *Sink) SetBreakerOpen(upstream string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	s.breakerOpen.WithLabelValues(upstream).Set(v)
}

func (s *Sink) IncReloadParseErrors() {
	s.reloadParseErrors.Inc()
}
