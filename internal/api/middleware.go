package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog"
	"github.com/google/uuid"

	"message-relay/internal/relayerr"
)

const requestIDHeader = "X-Request-Id"

type ctxRequestIDKey struct{}

type ctxSubjectKey struct{}

// RequestIDFrom returns the request id assigned by the server, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestIDKey{}).(string)
	return id
}

// SubjectFrom returns the authenticated token subject, if any.
func SubjectFrom(ctx context.Context) string {
	sub, _ := ctx.Value(ctxSubjectKey{}).(string)
	return sub
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !saneRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		httplog.LogEntrySetField(r.Context(), "request_id", id)
		ctx := context.WithValue(r.Context(), ctxRequestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func saneRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Requests.Add(1)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			s.log.Debug().
				Str("route", routePattern(r)).
				Str("method", r.Method).
				Int("status", recorder.status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("client", clientOrigin(r)).
				Str("request_id", RequestIDFrom(r.Context())).
				Msg("request handled")
		})
	}
}

// authenticated requires a valid bearer token when a signer is configured.
// Websocket clients may pass the token as the token query parameter.
func (s *Server) authenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.signer == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := parseTokenFromHeader(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			subject, err := s.signer.ValidateToken(token)
			if err != nil {
				s.metrics.AuthFailures.Add(1)
				s.writeError(w, r, relayerr.Wrap(relayerr.Unauthorized, "invalid or missing token", err))
				return
			}
			httplog.LogEntrySetField(r.Context(), "subject", subject)
			ctx := context.WithValue(r.Context(), ctxSubjectKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseTokenFromHeader(h string) string {
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
