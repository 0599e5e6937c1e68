package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Booking outcome labels.
const (
	ResultSuccess         = "success"
	ResultSlotUnavailable = "slot_unavailable"
	ResultValidation      = "validation"
	ResultAmbiguous       = "ambiguous"
	ResultReplayed        = "replayed"
	ResultError           = "error"
)

// Collector methods are safe to call on a nil receiver so components can run
// without metrics in tests.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BookingsTotal      *prometheus.CounterVec
	CancellationsTotal prometheus.Counter
	ReschedulesTotal   *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec

	AvailabilityDuration prometheus.Histogram
	AvailabilityCache    *prometheus.CounterVec

	RetriesTotal prometheus.Counter

	NotifierPublished *prometheus.CounterVec
	NotifierDropped   prometheus.Counter
	StreamsActive     prometheus.Gauge

	registry *prometheus.Registry
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome.",
		}, []string{"result"}),

		CancellationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Appointments moved to cancelled. Duplicate cancels are not counted.",
		}),

		ReschedulesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "reschedules_total",
			Help:      "Reschedule attempts by outcome.",
		}, []string{"result"}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "status_transitions_total",
			Help:      "Appointment status transitions by target status.",
		}, []string{"status"}),

		AvailabilityDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "availability",
			Name:      "compute_duration_seconds",
			Help:      "Time to resolve an availability query, including storage reads.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		AvailabilityCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "availability",
			Name:      "cache_lookups_total",
			Help:      "Availability cache lookups by result (hit, miss, error).",
		}, []string{"result"}),

		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Retries issued by the resilient call executor.",
		}),

		NotifierPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "published_total",
			Help:      "Change events delivered to the local fan-out, by topic.",
		}, []string{"topic"}),

		NotifierDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Change events dropped because a subscriber buffer was full.",
		}),

		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "streams_active",
			Help:      "Open availability streams.",
		}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Booking(result string) {
	if c == nil {
		return
	}
	c.BookingsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Cancelled() {
	if c == nil {
		return
	}
	c.CancellationsTotal.Inc()
}

func (c *Collector) Reschedule(result string) {
	if c == nil {
		return
	}
	c.ReschedulesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Transition(status string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) ObserveAvailability(d time.Duration) {
	if c == nil {
		return
	}
	c.AvailabilityDuration.Observe(d.Seconds())
}

func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.AvailabilityCache.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.StreamsActive.Inc()
}

func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.StreamsActive.Dec()
}
