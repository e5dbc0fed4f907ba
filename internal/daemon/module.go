package daemon

import (
	"context"
	"fmt"

	"github.com/pigeonmsg/pigeon/internal/bus"
	"github.com/pigeonmsg/pigeon/internal/config"
	"github.com/pigeonmsg/pigeon/internal/inbound"
	"github.com/pigeonmsg/pigeon/internal/lock"
	"github.com/pigeonmsg/pigeon/internal/logging"
	"github.com/pigeonmsg/pigeon/internal/messenger"
	"github.com/pigeonmsg/pigeon/internal/netmon"
	"github.com/pigeonmsg/pigeon/internal/outbox"
	"github.com/pigeonmsg/pigeon/internal/relay"
	"github.com/pigeonmsg/pigeon/internal/session"
	"github.com/pigeonmsg/pigeon/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRelay,
			provideMonitor,
			provideEngine,
			providePipeline,
			provideMessenger,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if cfg.Identity == "" {
		return nil, fmt.Errorf("config %s: identity is required", path)
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("config %s: relay_url is required", path)
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRelay(cfg *config.Config, logger *zap.Logger) relay.Client {
	return relay.NewHTTPClient(cfg.RelayURL, cfg.RequestTimeout.Std(), logger)
}

func provideMonitor(rc relay.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *netmon.Monitor {
	return netmon.NewMonitor(rc, b, logger, cfg.ProbeInterval.Std())
}

func provideEngine(db *store.DB, rc relay.Client, mon *netmon.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Engine {
	return outbox.NewEngine(db, rc, mon, b, logger, cfg.DrainInterval.Std())
}

func providePipeline(db *store.DB, rc relay.Client, mon *netmon.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *inbound.Pipeline {
	return inbound.NewPipeline(db, rc, mon, b, logger, cfg.Identity, cfg.PollInterval.Std())
}

func provideMessenger(db *store.DB, engine *outbox.Engine, pipeline *inbound.Pipeline, mon *netmon.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *messenger.Messenger {
	return messenger.New(db, engine, pipeline, mon, b, logger, cfg.Identity)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, mon *netmon.Monitor, engine *outbox.Engine, pipeline *inbound.Pipeline, msn *messenger.Messenger, cfg *config.Config, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Probing starts first so the engine and pipeline see the
			// online edge as soon as the relay answers.
			mon.Start(context.Background())
			engine.Start(context.Background())
			pipeline.Start(context.Background())
			logger.Info("messenger ready", zap.String("identity", cfg.Identity))
			return nil
		},
		OnStop: func(_ context.Context) error {
			pipeline.Stop()
			engine.Stop()
			mon.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
