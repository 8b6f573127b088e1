package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers the metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency, and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded. Only path shapes the API actually serves are rewritten.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// Find the api segment so a configured base path prefix is tolerated.
	api := -1
	for i, s := range parts {
		if s == "api" {
			api = i
			break
		}
	}
	if api < 0 || api+1 >= len(parts) {
		return p
	}
	rest := parts[api+1:]
	var canon []string
	switch rest[0] {
	case "app":
		// /api/app, /api/app/:app, /api/app/:app/:reftype, /api/app/:app/:reftype/:ref
		masks := []string{"app", ":app", ":reftype", ":ref"}
		if len(rest) > len(masks) {
			return p
		}
		canon = append(canon, masks[:len(rest)]...)
	case "build":
		// /api/build, /api/build/:id, /api/build/:id/{manifest,ipa}
		switch len(rest) {
		case 1:
			canon = []string{"build"}
		case 2:
			canon = []string{"build", ":id"}
		case 3:
			canon = []string{"build", ":id", rest[2]}
		default:
			return p
		}
	case "user":
		// /api/user, /api/user/:user, /api/user/:user/{key,perm}
		switch len(rest) {
		case 1:
			canon = []string{"user"}
		case 2:
			canon = []string{"user", ":user"}
		case 3:
			canon = []string{"user", ":user", rest[2]}
		default:
			return p
		}
	default:
		return p
	}
	all := append(append([]string{}, parts[:api+1]...), canon...)
	return "/" + strings.Join(all, "/")
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
