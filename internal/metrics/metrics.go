// Package metrics exposes Prometheus metrics for the HTTP API and the
// marketplace flows. OpenTelemetry (internal/telemetry) carries traces and
// OTLP metrics; this registry backs the pull-based GET /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	prommetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

const namespace = "magsasa"

// Service owns the registry and the domain collectors. A nil *Service is
// valid and records nothing.
type Service struct {
	Registry *prometheus.Registry

	httpMiddleware middleware.Middleware

	logins       *prometheus.CounterVec
	orders       *prometheus.CounterVec
	diagnoses    *prometheus.CounterVec
	assessments  *prometheus.CounterVec
	partnerCalls *prometheus.CounterVec
	dbHealth     prometheus.Gauge
}

// NewService creates a registry with Go and process collectors plus the
// marketplace counters.
func NewService() *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Service{
		Registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "created_total",
			Help: "Orders created by delivery option",
		}, []string{"delivery_option"}),
		diagnoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kaani", Name: "diagnoses_total",
			Help: "KaAni diagnoses by mode and status",
		}, []string{"mode", "status"}),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agscore", Name: "assessments_total",
			Help: "AgScore assessments by risk tier",
		}, []string{"tier"}),
		partnerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "partner", Name: "requests_total",
			Help: "Authenticated partner API requests by partner type and status code",
		}, []string{"partner_type", "code"}),
		dbHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "platform", Name: "health_postgres",
			Help: "1 when the last database ping succeeded",
		}),
	}
	reg.MustRegister(s.logins, s.orders, s.diagnoses, s.assessments, s.partnerCalls, s.dbHealth)

	s.httpMiddleware = middleware.New(middleware.Config{
		Service:            namespace,
		DisableMeasureSize: true,
		Recorder: prommetrics.NewRecorder(prommetrics.Config{
			Prefix:          namespace,
			Registry:        reg,
			DurationBuckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	})
	return s
}

// Route instruments h under the route pattern, keeping label cardinality
// bounded by the route table instead of raw paths.
func (s *Service) Route(pattern string, h http.Handler) http.Handler {
	if s == nil {
		return h
	}
	return std.Handler(pattern, s.httpMiddleware, h)
}

// Handler serves the registry in the Prometheus text format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}

// ObserveLogin counts a login attempt. result is success, failure or locked.
func (s *Service) ObserveLogin(result string) {
	if s == nil {
		return
	}
	s.logins.WithLabelValues(result).Inc()
}

// ObserveOrder counts a created order.
func (s *Service) ObserveOrder(deliveryOption string) {
	if s == nil {
		return
	}
	s.orders.WithLabelValues(deliveryOption).Inc()
}

// ObserveDiagnosis counts a finished diagnosis.
func (s *Service) ObserveDiagnosis(mode, status string) {
	if s == nil {
		return
	}
	s.diagnoses.WithLabelValues(mode, status).Inc()
}

// ObserveAssessment counts a stored AgScore assessment.
func (s *Service) ObserveAssessment(tier string) {
	if s == nil {
		return
	}
	s.assessments.WithLabelValues(tier).Inc()
}

// ObservePartnerRequest counts an authenticated partner request.
func (s *Service) ObservePartnerRequest(partnerType string, code int) {
	if s == nil {
		return
	}
	s.partnerCalls.WithLabelValues(partnerType, strconv.Itoa(code)).Inc()
}

// ObserveHealth records the outcome of a database ping.
func (s *Service) ObserveHealth(dbOK bool) {
	if s == nil {
		return
	}
	if dbOK {
		s.dbHealth.Set(1)
	} else {
		s.dbHealth.Set(0)
	}
}

// RegisterPool exports connection pool gauges sampled from stat at scrape
// time.
func (s *Service) RegisterPool(stat func() *pgxpool.Stat) {
	if s == nil {
		return
	}
	gauge := func(name, help string, v func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db_pool", Name: name, Help: help,
		}, func() float64 { return v(stat()) })
	}
	s.Registry.MustRegister(
		gauge("acquired_conns", "Connections currently checked out",
			func(st *pgxpool.Stat) float64 { return float64(st.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections",
			func(st *pgxpool.Stat) float64 { return float64(st.IdleConns()) }),
		gauge("total_conns", "Open connections",
			func(st *pgxpool.Stat) float64 { return float64(st.TotalConns()) }),
		gauge("max_conns", "Configured pool size",
			func(st *pgxpool.Stat) float64 { return float64(st.MaxConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "db_pool", Name: "acquires_total",
			Help: "Successful connection acquires",
		}, func() float64 { return float64(stat().AcquireCount()) }),
	)
}
