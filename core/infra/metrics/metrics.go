package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// ResolverMetrics counts width-resolution outcomes.
type ResolverMetrics interface {
	IncResolved(outcome string)
}

// PersistMetrics counts background persistence results.
type PersistMetrics interface {
	IncPersisted(status string)
}

// Resolution outcome labels.
const (
	OutcomeOriginal  = "original"
	OutcomeVariant   = "variant"
	OutcomeGenerated = "generated"
)

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncResolved(string)                             {}
func (Noop) IncPersisted(string)                            {}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs GatewayMetrics backed by Prometheus.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

type resolverProm struct {
	resolved *prometheus.CounterVec
	once     sync.Once
}

// NewResolverProm constructs ResolverMetrics backed by Prometheus.
func NewResolverProm(namespace string) ResolverMetrics {
	p := &resolverProm{
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_resolved_total",
			Help:      "Image resolutions by outcome (original/variant/generated)",
		}, []string{"outcome"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.resolved)
	})
	return p
}

func (p *resolverProm) IncResolved(outcome string) {
	p.resolved.WithLabelValues(outcome).Inc()
}

type persistProm struct {
	persisted *prometheus.CounterVec
	once      sync.Once
}

// NewPersistProm constructs PersistMetrics backed by Prometheus.
func NewPersistProm(namespace string) PersistMetrics {
	p := &persistProm{
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivatives_persisted_total",
			Help:      "Background derivative persistence results by status",
		}, []string{"status"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.persisted)
	})
	return p
}

func (p *persistProm) IncPersisted(status string) {
	p.persisted.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
