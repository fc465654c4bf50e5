package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// HealthFunc reports whether the service can serve requests.
type HealthFunc func(ctx context.Context) error

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Service Service
	Logger  zerolog.Logger

	// Metrics, when set, counts requests and serves MetricsPath.
	Metrics     *telemetry.Metrics
	MetricsPath string

	// Health backs /healthz. Nil always reports healthy.
	Health HealthFunc
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogMiddleware(deps.Logger))
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}

	r.GET("/healthz", func(ctx *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(ctx.Request.Context()); err != nil {
				ctx.JSON(http.StatusServiceUnavailable, Response{
					Code:    http.StatusServiceUnavailable,
					Message: err.Error(),
				})
				return
			}
		}
		handleSuccess(ctx, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := NewRequestHandler(deps.Service, deps.Logger)
	v1 := r.Group("/api/v1")
	initRequestRouter(h, v1)
	return r
}

func initRequestRouter(h *RequestHandler, r *gin.RouterGroup) {
	requests := r.Group("/requests")
	{
		requests.POST("", h.Submit)
		requests.GET("", h.List)
		requests.GET("/:id", h.Get)
		requests.GET("/:id/audit", h.Audit)
		requests.GET("/:id/plans", h.Plans)
		requests.GET("/:id/applies", h.Applies)
		requests.GET("/:id/allocations", h.Allocations)
		requests.POST("/:id/approve", h.Approve)
		requests.POST("/:id/reject", h.Reject)
		requests.POST("/:id/cancel", h.Cancel)
		requests.POST("/:id/replan", h.Replan)
		requests.POST("/:id/resubmit", h.Resubmit)
	}
}

func requestLogMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		ev := logger.Debug()
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		ev.Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Int("status", ctx.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func metricsMiddleware(m *telemetry.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(ctx.Request.Method, route, ctx.Writer.Status())
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
