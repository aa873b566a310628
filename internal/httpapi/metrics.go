package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// Gateway collectors live on the default registry, which /metrics serves.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spearlet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and response code",
		},
		[]string{"route", "method", "code"},
	)

	requestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spearlet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and method",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route", "method"},
	)

	inflightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spearlet",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Requests currently being served, by method",
		},
		[]string{"method"},
	)

	errorResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spearlet",
			Subsystem: "http",
			Name:      "error_responses_total",
			Help:      "Error responses by error class and kind",
		},
		[]string{"class", "kind"},
	)

	// Rejections are split by class: system for the node admission limit,
	// instance for a task pool's waiter bound.
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spearlet",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Requests answered with 429, by the error class that shed them",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, inflightRequests, errorResponses, rejectionsTotal)
}

// MetricsMiddleware counts and times requests. The route label is the chi
// pattern, read after routing so path parameters do not leak into labels.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := inflightRequests.WithLabelValues(r.Method)
		g.Inc()
		defer g.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		requestSeconds.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// observeError counts one error response.
func observeError(err error, status int) {
	class := string(errs.ClassOf(err))
	errorResponses.WithLabelValues(class, string(errs.KindOf(err))).Inc()
	if status == http.StatusTooManyRequests {
		rejectionsTotal.WithLabelValues(class).Inc()
	}
}
