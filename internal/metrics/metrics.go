package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the bank's Prometheus instruments on a private registry.
// All methods are safe on a nil *Collector so components can run without metrics.
type Collector struct {
	registry       *prometheus.Registry
	authorizations *prometheus.CounterVec
	authDuration   prometheus.Histogram
	reservations   prometheus.Counter
	clearing       *prometheus.CounterVec
	settled        *prometheus.CounterVec
	settledAmount  prometheus.Counter
}

func New() *Collector {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	return &Collector{
		registry: registry,
		authorizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bank_authorizations_total",
			Help: "Card submissions by route and resulting status",
		}, []string{"route", "status"}),
		authDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bank_authorization_duration_seconds",
			Help:    "Time taken to handle a card submission",
			Buckets: prometheus.DefBuckets,
		}),
		reservations: f.NewCounter(prometheus.CounterOpts{
			Name: "bank_reservations_total",
			Help: "Reservations created",
		}),
		clearing: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bank_clearing_messages_total",
			Help: "Clearing messages by direction and outcome",
		}, []string{"direction", "outcome"}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bank_settlement_reservations_total",
			Help: "Reservations handled by the settlement sweep by outcome",
		}, []string{"outcome"}),
		settledAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "bank_settled_minor_units_total",
			Help: "Amount moved by settlement, in minor units",
		}),
	}
}

func (c *Collector) Authorization(route, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.authorizations.WithLabelValues(route, status).Inc()
	c.authDuration.Observe(took.Seconds())
}

func (c *Collector) Reservation() {
	if c == nil {
		return
	}
	c.reservations.Inc()
}

// Clearing counts a clearing message; direction is "outbound", "inbound" or "response".
func (c *Collector) Clearing(direction, outcome string) {
	if c == nil {
		return
	}
	c.clearing.WithLabelValues(direction, outcome).Inc()
}

func (c *Collector) Settlement(outcome string, amount int64) {
	if c == nil {
		return
	}
	c.settled.WithLabelValues(outcome).Inc()
	if amount > 0 {
		c.settledAmount.Add(float64(amount))
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
