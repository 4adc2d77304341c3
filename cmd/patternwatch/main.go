package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"patternwatch/config"
	"patternwatch/internal/api"
	"patternwatch/internal/logger"
	"patternwatch/internal/metrics"
	"patternwatch/internal/model"
	"patternwatch/internal/notification"
	"patternwatch/internal/registry"
	redisstore "patternwatch/internal/store/redis"
	sqlitestore "patternwatch/internal/store/sqlite"
)

const sinkBuffer = 1024

func main() {
	if err := config.LoadDotEnv(envOrDefault("ENV_FILE", ".env")); err != nil {
		slog.Error("dotenv", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ---- Load config from env ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid LOG_LEVEL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.Init("patternwatch", level)
	log.Info("starting",
		slog.Any("instruments", cfg.Instruments),
		slog.Int64("granularity", cfg.Granularity),
		slog.String("feed", cfg.FeedURL),
	)

	if err := run(cfg, log); err != nil {
		log.Error("exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	// ---- Setup context for graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Setup metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prom, health, log)
	metricsSrv.Start()

	deps := registry.Deps{
		Notifier: notifiers(cfg, log),
		Metrics:  prom,
		Health:   health,
		Log:      log,
	}

	// Sinks drain on their own context so a shutdown can flush what the
	// coordinator already handed over.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinksDone []chan struct{}
	runSink := func(fn func()) {
		done := make(chan struct{})
		sinksDone = append(sinksDone, done)
		go func() {
			defer close(done)
			fn()
		}()
	}

	var (
		sqlDB *sql.DB
		rdb   *goredis.Client
	)

	// ---- Start SQLite writer (off hot path) ----
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, log)
		if err != nil {
			return err
		}
		defer w.Close()
		w.OnCommit = func(_ string, _ int, took time.Duration) {
			prom.SQLiteCommitDur.Observe(took.Seconds())
		}

		r, err := sqlitestore.NewReader(cfg.SQLitePath, log)
		if err != nil {
			return err
		}
		defer r.Close()
		deps.History = r

		candles := make(chan model.InstrumentCandle, sinkBuffer)
		events := make(chan model.PatternEvent, sinkBuffer)
		deps.Candles = append(deps.Candles, registry.Outlet[model.InstrumentCandle]{Name: "sqlite", C: candles})
		deps.Events = append(deps.Events, registry.Outlet[model.PatternEvent]{Name: "sqlite", C: events})
		runSink(func() { w.RunCandles(sinkCtx, candles) })
		runSink(func() { w.RunEvents(sinkCtx, events) })

		sqlDB = w.DB()
		health.EnableSQLite()
	}

	// ---- Start Redis publisher ----
	if cfg.RedisAddr != "" {
		p, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
		if err != nil {
			log.Warn("redis init failed, continuing without redis", slog.String("error", err.Error()))
		} else {
			defer p.Close()
			p.OnWrite = func(took time.Duration) { prom.RedisWriteDur.Observe(took.Seconds()) }
			p.OnSkipped = func() { prom.RedisSkippedPublish.Inc() }
			p.Breaker().OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitTrips.Inc()
				}
				log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
			}

			candles := make(chan model.InstrumentCandle, sinkBuffer)
			events := make(chan model.PatternEvent, sinkBuffer)
			deps.Candles = append(deps.Candles, registry.Outlet[model.InstrumentCandle]{Name: "redis", C: candles})
			deps.Events = append(deps.Events, registry.Outlet[model.PatternEvent]{Name: "redis", C: events})
			runSink(func() { p.RunCandles(sinkCtx, candles) })
			runSink(func() { p.RunEvents(sinkCtx, events) })

			rdb = p.Client()
			health.EnableRedis()
		}
	}

	// ---- Periodic liveness checks ----
	if sqlDB != nil || rdb != nil {
		health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)
	}

	// ---- Coordinator ----
	coord, err := registry.New(cfg.Registry(), deps)
	if err != nil {
		return err
	}
	for _, inst := range cfg.Instruments {
		if err := coord.Subscribe(ctx, inst); err != nil {
			coord.Close()
			return err
		}
	}

	// ---- Read API ----
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(coord, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	apiErr := make(chan error, 1)
	go func() {
		log.Info("api listening", slog.String("addr", cfg.HTTPAddr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-apiErr:
		log.Error("api server failed", slog.String("error", runErr.Error()))
	}

	// ---- Graceful shutdown ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", slog.String("error", err.Error()))
	}
	coord.Close()

	stopSinks()
	for _, done := range sinksDone {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", slog.String("error", err.Error()))
	}
	return runErr
}

// notifiers always logs alerts and adds the configured external channels.
func notifiers(cfg *config.Config, log *slog.Logger) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.TelegramBotToken != "" {
		multi = append(multi, notification.NewTelegramNotifier(notification.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramChatID, log))
		log.Info("telegram notifier enabled")
	}
	if cfg.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.WebhookURL, log))
		log.Info("webhook notifier enabled")
	}
	return multi
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
