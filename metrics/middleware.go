package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	requestsTotal          = "http_requests_total"
	requestDurationSeconds = "http_request_duration_seconds"
)

// Middleware counts and times HTTP requests by status code, method and
// route pattern
type Middleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Middleware returns the HTTP middleware, registered on the collector's
// registry on first call
func (c *Collector) Middleware() *Middleware {
	c.httpOnce.Do(func() {
		c.http = &Middleware{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      requestsTotal,
				Help:      "Number of HTTP requests partitioned by status code, method and route.",
			}, []string{"code", "method", "path"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      requestDurationSeconds,
				Help:      "Time spent on the request partitioned by status code, method and route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"code", "method", "path"}),
		}
		c.registry.MustRegister(c.http.requests, c.http.latency)
	})
	return c.http
}

// Handler wraps next
func (m *Middleware) Handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rp := rctx.RoutePattern()
			code := strconv.Itoa(ww.Status())
			m.requests.WithLabelValues(code, r.Method, rp).Inc()
			m.latency.WithLabelValues(code, r.Method, rp).Observe(time.Since(start).Seconds())
		}
	}
	return http.HandlerFunc(fn)
}
