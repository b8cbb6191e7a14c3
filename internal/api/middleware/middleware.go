// Package middleware holds the HTTP middleware chain of the LIS API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/observability/metrics"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	clientKey
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID or issues a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ClientFrom returns the client authenticated by APIKeyAuth.
func ClientFrom(ctx context.Context) string {
	c, _ := ctx.Value(clientKey).(string)
	return c
}

// APIKeyAuth authenticates callers by API key, sent as X-API-Key or as a
// bearer token. keys maps each key to the client it identifies. With no
// keys configured every caller passes.
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	type credential struct {
		key    []byte
		client string
	}
	creds := make([]credential, 0, len(keys))
	for k, c := range keys {
		creds = append(creds, credential{key: []byte(k), client: c})
	}

	return func(next http.Handler) http.Handler {
		if len(creds) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					presented = v
				}
			}
			if presented == "" {
				unauthorized(w, "missing API key")
				return
			}

			client := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare(c.key, []byte(presented)) == 1 {
					client = c.client
				}
			}
			if client == "" {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey, client)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lis"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

// quiet paths are logged at debug level.
var quiet = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// Logger logs each request once it completes and records its latency
// under the matched route pattern.
func Logger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			route := routePattern(r)
			m.Observe("http "+r.Method+" "+route, elapsed.Seconds())

			status := statusOf(ww)
			log := logger.Info
			switch {
			case status >= 500:
				log = logger.Error
			case quiet[r.URL.Path]:
				log = logger.Debug
			}
			log("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.String("client", ClientFrom(r.Context())))
		})
	}
}

// statusOf treats a handler that never wrote a header as 200.
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// routePattern is the chi pattern that served r, or "unmatched".
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Tracing continues the caller's trace and opens a server span named after
// the matched route.
func Tracing(service string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(service)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("lis.request_id", RequestIDFrom(r.Context())),
				))
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			status := statusOf(ww)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

// Recover turns a handler panic into a 500 and logs it with its stack.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("request_id", RequestIDFrom(r.Context())),
					zap.Stack("stack"))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS admits browser clients from origins, or from anywhere when none
// are configured.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", requestIDHeader, "traceparent", "tracestate"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})
}

// RateLimit caps each client at perSecond requests. Authenticated clients
// are keyed by API key, the rest by IP. Zero disables it.
func RateLimit(perSecond int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perSecond, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if k := r.Header.Get("X-API-Key"); k != "" {
				return "key:" + k, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}))
}
