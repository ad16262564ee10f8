package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can run several instances
// without fighting over the default one.
type Collector struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec

	validations     *prometheus.CounterVec
	deviceBinds     prometheus.Counter
	rateLimited     prometheus.Counter
	replayRejected  prometheus.Counter
	webhookOutcomes *prometheus.CounterVec
	auditSpooled    prometheus.Counter
	eventSubs       prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "license_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"route", "method"})
	reg.MustRegister(c.requestDuration)

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "method", "status"})
	reg.MustRegister(c.requestsTotal)

	c.validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_validations_total",
		Help: "Validation outcomes by rejection code (OK for granted)",
	}, []string{"outcome"})
	reg.MustRegister(c.validations)

	c.deviceBinds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_device_binds_total",
		Help: "Fresh device activations",
	})
	reg.MustRegister(c.deviceBinds)

	c.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
	reg.MustRegister(c.rateLimited)

	c.replayRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_replay_rejected_total",
		Help: "Requests rejected for nonce reuse",
	})
	reg.MustRegister(c.replayRejected)

	c.webhookOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_webhook_events_total",
		Help: "Webhook deliveries by provider and result",
	}, []string{"provider", "result"})
	reg.MustRegister(c.webhookOutcomes)

	c.auditSpooled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_audit_spooled_total",
		Help: "Audit records diverted to the disk spool",
	})
	reg.MustRegister(c.auditSpooled)

	c.eventSubs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "license_event_subscribers",
		Help: "Connected live event tail clients",
	})
	reg.MustRegister(c.eventSubs)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	c.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
	c.requestsTotal.WithLabelValues(route, method, httpStatusLabel(status)).Inc()
}

// ObserveValidation records one validation outcome. outcome is either "OK"
// or the rejection code.
func (c *Collector) ObserveValidation(outcome string, newlyBound bool) {
	c.validations.WithLabelValues(outcome).Inc()
	if newlyBound {
		c.deviceBinds.Inc()
	}
}

func (c *Collector) ObserveRateLimited()  { c.rateLimited.Inc() }
func (c *Collector) ObserveReplay()       { c.replayRejected.Inc() }
func (c *Collector) ObserveAuditSpooled() { c.auditSpooled.Inc() }

func (c *Collector) ObserveWebhook(provider, result string) {
	c.webhookOutcomes.WithLabelValues(provider, result).Inc()
}

func (c *Collector) SetEventSubscribers(n int) {
	c.eventSubs.Set(float64(n))
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
