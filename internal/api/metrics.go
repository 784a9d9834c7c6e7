package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "approvals_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	activeTokensTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "approvals_active_tokens_total",
		Help: "Number of active (non-revoked, non-expired) tokens.",
	})

	pendingRequestsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "approvals_pending_requests_total",
		Help: "Number of approval requests awaiting a decision.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, activeTokensTotal, pendingRequestsTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics labelled by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, path, status).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(dur)
	})
}

// gaugeSource is what RefreshGauges reads.
type gaugeSource interface {
	CountActiveTokens(ctx context.Context) (int64, error)
	ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*models.ApprovalRequest, error)
}

// RefreshGauges recomputes the token and pending request gauges.
func (s *Server) RefreshGauges(ctx context.Context) {
	refreshGauges(ctx, s.store)
}

func refreshGauges(ctx context.Context, src gaugeSource) {
	if n, err := src.CountActiveTokens(ctx); err != nil {
		log.Warn().Err(err).Msg("counting active tokens")
	} else {
		activeTokensTotal.Set(float64(n))
	}
	pending, err := src.ListRequests(ctx, storage.RequestFilter{Status: models.StatusPending})
	if err != nil {
		log.Warn().Err(err).Msg("counting pending requests")
		return
	}
	pendingRequestsTotal.Set(float64(len(pending)))
}
