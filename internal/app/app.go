package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lakowske/ib-stream/internal/api"
	"github.com/lakowske/ib-stream/internal/archive"
	"github.com/lakowske/ib-stream/internal/background"
	"github.com/lakowske/ib-stream/internal/config"
	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/contracts"
	"github.com/lakowske/ib-stream/internal/metrics"
	"github.com/lakowske/ib-stream/internal/poller"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/storage"
	"github.com/lakowske/ib-stream/internal/tws"
)

const stopTimeout = 30 * time.Second

// component is one lifecycle participant. Components start in slice
// order and stop in reverse.
type component struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// App is a fully wired gateway instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	interactive connection.Manager
	rtr         router.Router
	store       storage.Orchestrator
	srv         *api.Server
	rdb         *redis.Client

	components []component
}

// New wires every component from configuration. Nothing is started.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	// Storage first: the router and API depend on it.
	var writers []storage.Writer
	if cfg.Storage.EnableJSON {
		writers = append(writers, storage.NewJSONLWriter(cfg.Storage.Path, logger))
	}
	if cfg.Storage.EnableProtobuf {
		writers = append(writers, storage.NewBinaryWriter(cfg.Storage.Path, logger))
	}
	store, err := storage.NewOrchestrator(storage.Config{
		QueueSize:     cfg.Storage.QueueSize,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval,
	}, writers, logger)
	if err != nil {
		return nil, fmt.Errorf("build storage: %w", err)
	}
	a.store = store
	a.addComponent("storage", store.Start, store.Stop)

	formats := store.Formats()
	retention := storage.NewRetention(cfg.Storage.Path, formats,
		cfg.Storage.Retention, cfg.Storage.RetentionSchedule, logger)
	a.addComponent("retention", retention.Start, retention.Stop)

	if cfg.Archive.Bucket != "" {
		up := archive.NewUploader(archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Prefix:    cfg.Archive.Prefix,
			Interval:  cfg.Archive.Interval,
		}, cfg.Storage.Path, formats, logger)
		a.addComponent("archive", up.Start, up.Stop)
	}

	// Interactive session: serves client-opened streams.
	connCfg := connection.Config{
		Host:           cfg.TWS.Host,
		Ports:          cfg.TWS.Ports,
		ClientID:       cfg.TWS.ClientID,
		ConnectTimeout: cfg.TWS.ConnectTimeout,
		ProbeInterval:  cfg.TWS.ProbeInterval,
		ReconnectDelay: cfg.TWS.ReconnectDelay,
	}
	a.interactive = connection.NewManager(connCfg, tws.Factory(logger),
		logger.With("session", "interactive"))
	a.addComponent("interactive-session", a.interactive.Start, a.interactive.Stop)

	a.rtr = router.New(router.Config{
		StoreClientStreams: cfg.Storage.StoreClientStreams,
	}, store, a.interactive, a.interactive.Ticks(), a.interactive.Errors(), logger)
	a.addComponent("router", a.rtr.Start, a.rtr.Stop)

	// Contract resolution, shared by the background manager and poller.
	resolver := a.buildResolver()

	var bg background.Manager
	if cfg.BackgroundEnabled() {
		bgConnCfg := connCfg
		bgConnCfg.ClientID = cfg.TWS.ClientID + cfg.Background.ClientIDOffset
		bgConnCfg.MaxReconnectDelay = cfg.Background.MaxReconnectDelay
		bgConn := connection.NewManager(bgConnCfg, tws.Factory(logger),
			logger.With("session", "background"))
		a.addComponent("background-session", bgConn.Start, bgConn.Stop)

		bg = background.NewManager(background.Config{
			Tracked:            cfg.Tracked,
			CheckInterval:      cfg.Background.CheckInterval,
			MonitorInterval:    cfg.Background.MonitorInterval,
			StalenessThreshold: cfg.Background.StalenessThreshold,
		}, bgConn, a.rtr, resolver, logger)
		a.addComponent("background-manager", bg.Start, bg.Stop)

		if cfg.Contracts.BaseURL != "" {
			p := poller.New(poller.DefaultConfig(), resolver, cfg.Tracked, nil, logger)
			a.addComponent("contract-poller", p.Start, p.Stop)
		}
	}

	a.srv = api.NewServer(api.Config{
		Port:                cfg.Server.Port,
		MaxStreams:          cfg.Server.MaxStreams,
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		MaxMessagesPerSec:   cfg.Server.MaxMessagesPerSec,
		StreamTimeout:       cfg.Server.StreamTimeout,
		SendQueueSize:       cfg.Server.SendQueueSize,
		HeartbeatInterval:   cfg.Server.HeartbeatInterval,
	}, a.rtr, a.interactive, store, bg, cfg.Tracked, version, logger)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		src := metrics.Sources{
			Session: a.interactive.Stats,
			Router:  a.rtr.Stats,
			Storage: store.Stats,
		}
		if bg != nil {
			src.Background = bg.Stats
		}
		a.srv.Echo().GET(path, echo.WrapHandler(metrics.Handler(src)))
	}
	a.addComponent("api-server", a.srv.Start, a.srv.Stop)

	return a, nil
}

// buildResolver assembles the contract lookup chain: HTTP client,
// optional Redis layer, in-memory cache.
func (a *App) buildResolver() contracts.Resolver {
	cfg := a.cfg.Contracts
	client := contracts.NewClient(cfg.BaseURL,
		contracts.WithTimeout(cfg.Timeout),
		contracts.WithLogger(a.logger),
	)
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return contracts.NewService(client, cfg.CacheTTL, a.rdb, a.logger)
}

func (a *App) addComponent(name string, start, stop func(ctx context.Context) error) {
	a.components = append(a.components, component{name: name, start: start, stop: stop})
}

// Run starts every component, blocks until ctx is cancelled, and shuts
// down in reverse order.
func (a *App) Run(ctx context.Context) error {
	started := 0
	for _, c := range a.components {
		a.logger.Info("starting component", "component", c.name)
		if err := c.start(ctx); err != nil {
			a.shutdown(started)
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		started++
	}

	a.logger.Info("gateway running",
		"instance_id", a.cfg.Instance.ID,
		"port", a.cfg.Server.Port,
	)

	<-ctx.Done()
	a.logger.Info("shutting down")
	a.shutdown(started)
	return nil
}

// shutdown stops the first n components in reverse order, each with
// its own timeout.
func (a *App) shutdown(n int) {
	for i := n - 1; i >= 0; i-- {
		c := a.components[i]
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := c.stop(ctx); err != nil {
			a.logger.Error("component stop failed", "component", c.name, "error", err)
		}
		cancel()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.logger.Info("gateway stopped")
}
