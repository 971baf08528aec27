package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/synergy/internal/agents"
	"github.com/nidhogg/synergy/internal/api"
	"github.com/nidhogg/synergy/internal/cache"
	"github.com/nidhogg/synergy/internal/config"
	"github.com/nidhogg/synergy/internal/metrics"
	"github.com/nidhogg/synergy/internal/notify"
	"github.com/nidhogg/synergy/internal/orchestrator"
	"github.com/nidhogg/synergy/internal/progress"
	"github.com/nidhogg/synergy/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/synergy.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting Synergy...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("synergy", reg, logger)

	var healthChecks []api.HandlerOption

	// Redis backs the shared cache and the progress relay when configured.
	var rdb *cache.Redis
	if cfg.Database.Redis.URL != "" {
		r, rErr := cache.DialRedis(ctx, cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without shared cache and relay", zap.Error(rErr))
		} else {
			rdb = r
			healthChecks = append(healthChecks, api.WithHealthCheck("redis", func(ctx context.Context) error {
				return r.Client().Ping(ctx).Err()
			}))
		}
	}

	var stageCache cache.Cache
	if cfg.Cache.Backend == "redis" && rdb != nil {
		stageCache = rdb
		logger.Info("Using Redis stage cache")
	} else {
		mem := cache.NewMemory(logger)
		go mem.Run(ctx, cfg.Cache.SweepInterval.Std())
		stageCache = mem
	}

	// PostgreSQL keeps terminal workflows past in-memory retention.
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			healthChecks = append(healthChecks, api.WithHealthCheck("postgres", ps.Ping))
		}
	}

	// Notifications
	var targets []notify.Notifier
	if cfg.Notify.Slack.Enabled {
		s := cfg.Notify.Slack
		targets = append(targets, notify.NewSlack(s.BotToken, s.ChannelID, s.Username, logger))
	}
	if cfg.Notify.Discord.Enabled {
		d, dErr := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(dErr))
		} else {
			targets = append(targets, d)
		}
	}

	broadcaster := progress.NewBroadcaster(0, logger)
	collector.WatchDropped(broadcaster.Dropped)

	var relay *progress.StreamRelay
	if rdb != nil {
		relay = progress.NewStreamRelay(rdb.Client(), cfg.Database.Redis.StreamMaxLen, cfg.Database.Redis.StreamTTL.Std(), logger)
		go relay.Run(ctx, broadcaster)
	}

	opts := []orchestrator.Option{orchestrator.WithMetrics(collector)}
	if pgStore != nil {
		opts = append(opts, orchestrator.WithRecorder(pgStore))
	}
	var notifier *notify.Multi
	if len(targets) > 0 {
		notifier = notify.NewMulti(targets, cfg.NotifyStatuses(), logger)
		opts = append(opts, orchestrator.WithNotifier(notifier))
	}
	orch, err := orchestrator.New(cfg.OrchestratorOptions(), agents.All(logger), stageCache, broadcaster, logger, opts...)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	go orch.Run(ctx)
	logger.Info("Orchestrator initialized",
		zap.Int("max_concurrent", cfg.Workflow.MaxConcurrent),
		zap.Int("max_queue", cfg.Workflow.MaxQueue))

	// Build HTTP handler
	handlerOpts := append([]api.HandlerOption{api.WithMetrics(collector, reg)}, healthChecks...)
	if relay != nil {
		handlerOpts = append(handlerOpts, api.WithHistory(relay), api.WithFollower(relay))
	}
	if notifier != nil {
		handlerOpts = append(handlerOpts, api.WithDeliveries(notifier))
	}
	handler := api.NewHandler(orch, api.Options{
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateRequests:      cfg.RateLimit.Requests,
		RateWindow:        cfg.RateLimit.Window.Std(),
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval.Std(),
		MaxConnections:    cfg.WebSocket.MaxConnections,
	}, logger, handlerOpts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Synergy listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down Synergy...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
}

// newLogger builds a console logger in debug mode and JSON otherwise.
func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
