// Package apihttp assembles the HTTP surface: global middleware, health and
// metrics endpoints, and the authenticated /api/v1 routes.
package apihttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medliq-cloud/internal/auth"
	"medliq-cloud/internal/events"
	"medliq-cloud/internal/observability/metrics"
)

// RouteRegistrar mounts a bounded context's routes under /api/v1.
type RouteRegistrar interface {
	Routes(r chi.Router)
}

// Options configures the router.
type Options struct {
	Logger      *zap.Logger
	JWTSecret   []byte
	// Insecure mounts /api/v1 without authentication. Without it an empty
	// JWTSecret rejects every protected request.
	Insecure    bool
	CORSOrigins []string
	Metrics     bool
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready    func(ctx context.Context) error
	Handlers []RouteRegistrar
}

// NewRouter builds the root handler. Requests under /api/ need a bearer
// token unless Insecure is set.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(accessLog(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if !opts.Insecure {
			mw := auth.NewMiddleware(opts.JWTSecret, auth.NewDefaultPolicy(nil, nil))
			api.Use(mw.Wrap)
		}
		api.Use(eventMeta)
		for _, h := range opts.Handlers {
			if h != nil {
				h.Routes(api)
			}
		}
	})
	return r
}

// eventMeta carries the request id and caller into emitted domain events.
func eventMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = events.WithCorrelationID(ctx, id)
		}
		if subject := auth.SubjectFromContext(ctx); subject != "" {
			ctx = events.WithActor(ctx, subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.ObserveHTTP(r.Method, route, status, elapsed)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
