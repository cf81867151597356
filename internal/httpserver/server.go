// Package httpserver exposes Prometheus metrics and the session status over
// HTTP using echo.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/events"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability"
	"github.com/tphakala/aoa-go/internal/session"
)

// StatusSource reports the current session status.
type StatusSource interface {
	Status() session.Status
}

// NowPlayingSource reports the latest track information.
type NowPlayingSource interface {
	Snapshot() events.NowPlayingSnapshot
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Session    *session.Status            `json:"session"`
	NowPlaying *events.NowPlayingSnapshot `json:"now_playing,omitempty"`
	Uptime     string                     `json:"uptime"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

// GetLogger returns the module logger for the status server.
func GetLogger() logger.Logger {
	return logger.Global().Module("http")
}

// Server serves /metrics and the status API.
type Server struct {
	Echo *echo.Echo

	settings   *conf.HTTPSettings
	metrics    *observability.Metrics
	nowPlaying NowPlayingSource
	session    atomic.Pointer[StatusSource]
	log        logger.Logger
	started    time.Time

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New builds the server and its routes. metrics and nowPlaying may be nil.
func New(settings *conf.HTTPSettings, metrics *observability.Metrics, nowPlaying NowPlayingSource) *Server {
	s := &Server{
		Echo:       echo.New(),
		settings:   settings,
		metrics:    metrics,
		nowPlaying: nowPlaying,
		log:        GetLogger(),
		started:    time.Now(),
	}

	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Logger = logger.NewEchoLoggerAdapter(s.log)

	s.configureMiddleware()
	s.initRoutes()
	return s
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency))
			return nil
		},
	}))
}

func (s *Server) initRoutes() {
	if s.metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.Echo.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/health", s.handleHealth)
}

// SetSession makes src the session reported by the status API. A nil src
// clears it.
func (s *Server) SetSession(src StatusSource) {
	if src == nil {
		s.session.Store(nil)
		return
	}
	s.session.Store(&src)
}

func (s *Server) currentStatus() *session.Status {
	src := s.session.Load()
	if src == nil {
		return nil
	}
	st := (*src).Status()
	return &st
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Session: s.currentStatus(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.nowPlaying != nil {
		np := s.nowPlaying.Snapshot()
		resp.NowPlaying = &np
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	st := s.currentStatus()
	if st == nil {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	}
	if st.State == session.StateFailed.String() {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", State: st.State})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", State: st.State})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.Newf("status server already started").
			Category(errors.CategoryState).
			Build()
	}

	ln, err := net.Listen("tcp", s.settings.Listen)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryHTTP).
			Context("listen", s.settings.Listen).
			Build()
	}
	s.listener = ln
	s.Echo.Listener = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.Echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", logger.Error(err))
		}
	}()

	s.log.Info("status server started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	err := s.Echo.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryHTTP).
			Context("operation", "shutdown").
			Build()
	}
	s.log.Info("status server stopped")
	return nil
}
