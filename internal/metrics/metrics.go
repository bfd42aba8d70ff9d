// Package metrics registers the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_attempts_total",
			Help: "Outreach attempts by channel and final status",
		},
		[]string{"channel", "status"},
	)

	SendRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_send_retries_total",
			Help: "Transient send failures that were retried",
		},
		[]string{"channel"},
	)

	ChannelInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outreach_channel_inflight",
			Help: "Sends currently holding a channel slot",
		},
		[]string{"channel"},
	)

	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responses_ingested_total",
			Help: "Inbound responses by kind and result (recorded, duplicate, unknown_token)",
		},
		[]string{"kind", "result"},
	)

	CheckInsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "check_ins_fired_total",
			Help: "Fired check-ins by outcome",
		},
		[]string{"outcome"},
	)

	CampaignTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_transitions_total",
			Help: "Campaign state transitions by target status",
		},
		[]string{"status"},
	)

	EscalationContactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_contacts_total",
			Help: "Contractors added by escalations, by tier",
		},
		[]string{"tier"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Middleware records request counts and latencies labelled by the matched
// chi route pattern to keep cardinality low.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
