package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/eldtechnologies/relay/internal/metrics"
)

// Metrics records request count and latency per route. Routes are labelled
// by their chi pattern once matched, so contacts never become label values.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel prefers the matched chi pattern. Requests that never reached
// the router (rejected by earlier middleware) fall back to normalizePath.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// knownPaths are the fixed routes; anything else is labelled "other".
var knownPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/stats":   true,
	"/metrics": true,
	"/chat":    true,
}

// normalizePath maps a raw path onto a bounded set of labels.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	if contact, ok := strings.CutPrefix(path, "/chat/"); ok && contact != "" && !strings.Contains(contact, "/") {
		return "/chat/{contact}"
	}
	return "other"
}
