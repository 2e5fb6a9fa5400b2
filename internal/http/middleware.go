package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// registerMiddleware installs the chain every dispatch route runs through:
// panics become JSON 500s carrying the request id, every call gets an
// X-Request-ID, and each call is counted, timed and logged with the ride,
// offer or agent id taken from the route.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = newID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		elapsed := time.Since(start)
		if ww.status == http.StatusSwitchingProtocols {
			// the handler returned when the agent session ended
			s.logger.Info("agent session closed", "agent_id", mux.Vars(r)["agent_id"], "duration_ms", elapsed.Milliseconds(), "remote_addr", remoteIP(r))
			return
		}

		status := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
			"request_id", requestIDFromContext(r.Context()),
		}
		args = append(args, routeAttrs(route, mux.Vars(r))...)
		switch {
		case route == "/metrics" || route == "/healthz" || route == "/internal/agents/locations":
			s.logger.Debug("http_request", args...)
		case ww.status >= 500:
			s.logger.Error("http_request", args...)
		default:
			s.logger.Info("http_request", args...)
		}
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := requestIDFromContext(r.Context())
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "request_id", rid)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", RequestID: rid})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeAttrs names the {id} variable after the resource the route serves.
func routeAttrs(route string, vars map[string]string) []any {
	id := vars["id"]
	if id == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(route, "/api/v1/rides/"):
		return []any{"ride_id", id}
	case strings.HasPrefix(route, "/api/v1/offers/"):
		return []any{"offer_id", id}
	case strings.HasPrefix(route, "/api/v1/agents/"):
		return []any{"agent_id", id}
	}
	return nil
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware chain.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
