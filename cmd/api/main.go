package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/supervisor"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogFile)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("dialer exited", "err", err)
		os.Exit(1)
	}
}

// run owns every resource of the process and returns once the HTTP server
// and the background loops have stopped.
func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	publisher, closePublisher, err := openPublisher(cfg.AMQP, log)
	if err != nil {
		return fmt.Errorf("amqp: %w", err)
	}
	defer closePublisher()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	loops := supervisor.New(ctx, log)
	defer loops.StopAll()

	app, err := wire(cfg, deps{db: db, rdb: rdb, publisher: publisher, metrics: m, loops: loops, auth: authManager, log: log})
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if cfg.Dialer.Autostart {
		app.handlers.Dispatcher.StartAuto(loops, app.handlers.Intervals)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), logger.Middleware(log), m.Middleware())
	registerRoutes(engine, app, reg, auth.RequireAccessToken(authManager), !cfg.IsProduction())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("dialer api listening", "addr", srv.Addr, "env", cfg.App.Env, "autostart", cfg.Dialer.Autostart)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Loops stop before the stores they use are closed by the deferred calls.
	loops.StopAll()
	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
	return nil
}

func openPublisher(cfg config.AMQPConfig, log *slog.Logger) (events.Publisher, func(), error) {
	if cfg.URL == "" {
		return events.NopPublisher{}, func() {}, nil
	}
	p, err := events.DialAMQP(cfg.URL, cfg.Exchange, log)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { _ = p.Close() }, nil
}
