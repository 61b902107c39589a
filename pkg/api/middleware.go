package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/metrics"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the request id stamped on ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID assigns every request a fresh id, echoed in X-Request-Id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records per-route request counts, latencies and access logs.
func instrument(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		logger.Info().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", timer.Elapsed()).
			Msg("request handled")
	})
}

// ingressGuard restricts who may reach the spawn-capable endpoints. With
// public spawn enabled everything passes; otherwise, when allowlists are
// configured, the request's Host and peer IP must match them.
func ingressGuard(publicSpawn bool, hostAllowlist, ipAllowlist []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicSpawn || allowed(r, hostAllowlist, ipAllowlist) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error: "requests from this origin are not allowed",
				Kind:  "forbidden",
			})
		})
	}
}

func allowed(r *http.Request, hostAllowlist, ipAllowlist []string) bool {
	if len(hostAllowlist) == 0 && len(ipAllowlist) == 0 {
		// No allowlists configured: trust the network boundary.
		return true
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, h := range hostAllowlist {
		if strings.EqualFold(h, host) {
			return true
		}
	}

	peer := r.RemoteAddr
	if h, _, err := net.SplitHostPort(peer); err == nil {
		peer = h
	}
	for _, ip := range ipAllowlist {
		if ip == peer {
			return true
		}
	}
	return false
}
