package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lakowske/ib-stream/internal/background"
	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/storage"
	"github.com/lakowske/ib-stream/internal/stream"
	"github.com/lakowske/ib-stream/internal/tws"
)

// Server is the gateway's HTTP/WebSocket front end.
type Server struct {
	cfg    Config
	logger *slog.Logger

	e         *echo.Echo
	rtr       router.Router
	upstream  Upstream
	store     storage.Orchestrator
	bg        background.Manager // nil when background streaming is off
	tracked   []model.TrackedContract
	conns     *stream.IPLimiter
	version   string
	startedAt time.Time
}

// NewServer wires the HTTP surface over its collaborators. bg may be
// nil.
func NewServer(cfg Config, rtr router.Router, upstream Upstream, store storage.Orchestrator, bg background.Manager, tracked []model.TrackedContract, version string, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		e:        e,
		rtr:      rtr,
		upstream: upstream,
		store:    store,
		bg:       bg,
		tracked:  tracked,
		conns:    stream.NewIPLimiter(cfg.MaxConnectionsPerIP),
		version:  version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/health", s.handleHealth)
	s.e.GET("/stream/active", s.handleActiveStreams)
	s.e.DELETE("/stream/:cid", s.handleStopContract)
	s.e.DELETE("/stream/all", s.handleStopAll)

	s.e.GET("/v2/stream/:cid/live/:tick_type", s.handleStreamSingle)
	s.e.GET("/v2/stream/:cid/live", s.handleStreamMulti)
	s.e.GET("/v2/stream/:cid/buffer", s.handleStreamBuffer)

	s.e.GET("/v2/buffer/:cid/range", s.handleBufferRange)
	s.e.GET("/v2/buffer/:cid/info", s.handleBufferInfo)
	s.e.GET("/v2/buffer/:cid/stats", s.handleBufferStats)

	s.e.GET("/v2/ws/stream", s.handleWebSocket)
}

// Handler exposes the routing tree, mainly for tests and for mounting
// the metrics endpoint.
func (s *Server) Handler() http.Handler { return s.e }

// Echo returns the underlying echo instance for extra route mounting.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start begins serving. It returns once the listener is up; serve
// errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.startedAt = time.Now()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server start: %w", err)
		}
		return nil
	case <-time.After(200 * time.Millisecond):
	}

	s.logger.Info("api server started", "addr", addr)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.e.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// startLive registers one handler and issues the upstream request.
// The caller owns the subscriber; sink is usually the subscriber or a
// splicer over it.
func (s *Server) startLive(contractID int64, tt model.TickType, streamID string, sink router.Sink, limit int, timeout time.Duration) (int32, error) {
	var opts []router.HandlerOption
	if limit > 0 {
		opts = append(opts, router.WithLimit(int64(limit)))
	}
	if timeout > 0 {
		opts = append(opts, router.WithDeadline(time.Now().Add(timeout)))
	}

	var reqID int32
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		reqID = interactiveRequestID(contractID, tt)
		h := router.NewHandler(reqID, contractID, tt, streamID, sink, opts...)
		err = s.rtr.Register(h)
		if err == nil {
			break
		}
		if !errors.Is(err, router.ErrDuplicateHandler) {
			return 0, err
		}
	}
	if err != nil {
		return 0, err
	}

	if err := s.upstream.Subscribe(reqID, tws.Contract{ConID: contractID}, tt); err != nil {
		s.rtr.Unregister(reqID)
		return 0, fmt.Errorf("subscribe upstream: %w", err)
	}
	return reqID, nil
}

// releaseStream drops a handler and its upstream subscription without
// emitting events. Used on client disconnect.
func (s *Server) releaseStream(reqID int32) {
	s.rtr.Unregister(reqID)
	if err := s.upstream.Unsubscribe(reqID); err != nil {
		s.logger.Debug("upstream unsubscribe failed", "request_id", reqID, "error", err)
	}
}

// interactiveRequestID derives a request id below the background base
// so the storage policy can tell client streams apart.
func interactiveRequestID(contractID int64, tt model.TickType) int32 {
	id := model.DeriveRequestID(contractID, tt, time.Now().UnixMicro()) % model.BackgroundRequestBase
	if id == 0 {
		id = 1
	}
	return id
}

// streamTimeout resolves the handler deadline for a request: the
// client's timeout when given, else the server default.
func (s *Server) streamTimeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return s.cfg.StreamTimeout
}
