package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// requestLogger logs incoming HTTP requests and records request metrics.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		// Use the chi route pattern if available, else the raw path.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.status).
			WithField("remote", r.RemoteAddr).
			WithField("duration", duration).
			Debug("Request handled")
	})
}

// authorize runs the guards in order: master, session, then each
// privilege. It returns false once a guard has written the response.
func (s *server) authorize(
	w http.ResponseWriter, r *http.Request, privs ...privilege.Privilege,
) (*auth.Principal, bool) {
	if !s.gate.RequireMaster(w, r) {
		return nil, false
	}

	principal, err := s.gate.LoadSession(r)
	if !s.gate.RequireValidUser(w, principal, err) {
		return nil, false
	}

	for _, p := range privs {
		if !s.gate.RequirePrivilege(w, principal, p) {
			return nil, false
		}
	}

	return principal, true
}

// authorizeAny is authorize for routes open to several privileges: the
// principal needs at least one of privs. A denial names the last one.
func (s *server) authorizeAny(
	w http.ResponseWriter, r *http.Request, privs ...privilege.Privilege,
) (*auth.Principal, bool) {
	principal, ok := s.authorize(w, r)
	if !ok {
		return nil, false
	}

	for _, p := range privs {
		if s.gate.Check(principal, p) == nil {
			return principal, true
		}
	}

	if len(privs) > 0 && !s.gate.RequirePrivilege(w, principal, privs[len(privs)-1]) {
		return nil, false
	}

	return principal, true
}

// requireHeld stops non-admin principals from granting privileges they do
// not hold themselves.
func (s *server) requireHeld(
	w http.ResponseWriter, principal *auth.Principal, grants map[string]bool,
) bool {
	if principal.Has(privilege.Admin) {
		return true
	}

	for name, granted := range grants {
		if !granted {
			continue
		}

		if !s.gate.RequirePrivilege(w, principal, privilege.Privilege(name)) {
			return false
		}
	}

	return true
}
