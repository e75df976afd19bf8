package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/api"
	"github.com/WastematerialFeng/xianyu-tracker/internal/config"
	"github.com/WastematerialFeng/xianyu-tracker/internal/crawler"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/dedup"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/logger"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/notify"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/progress"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/ratelimit"
	"github.com/WastematerialFeng/xianyu-tracker/internal/qrlogin"
	"github.com/WastematerialFeng/xianyu-tracker/internal/scheduler"
	"github.com/WastematerialFeng/xianyu-tracker/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config failed", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.NewDefault(cfg.App.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis 可选：没有时去重窗口与限流自动退化为直通
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, dedup and ratelimit disabled", slog.Any("error", err))
			_ = rdb.Close()
			rdb = nil
		}
	}

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		log.Error("open store failed", slog.Any("error", err))
		os.Exit(1)
	}

	state := crawler.NewStateFile(cfg.Login.StatePath)

	buffer := progress.NewBuffer(cfg.App.LogBufferSize)
	reporter := progress.Multi(progress.NewSlogReporter(log), buffer)

	var limiter *ratelimit.RateLimiter
	if rdb != nil && cfg.App.RateLimit > 0 {
		limiter = ratelimit.NewRedisRateLimiter(rdb, log, "", cfg.App.RateLimit, cfg.App.RateBurst)
	}

	svc := crawler.NewService(cfg, log, reporter, state, limiter)

	qrm := qrlogin.NewManager(log, state)
	defer qrm.Close()

	window := dedup.NewWindow(rdb, cfg.App.DedupWindow)

	var notifier notify.Notifier = notify.Noop{}
	if em := notify.NewEmailNotifier(
		cfg.Email.SMTPHost, cfg.Email.SMTPPort,
		cfg.Email.SMTPUser, cfg.Email.SMTPPass,
		cfg.Email.FromEmail, cfg.Email.ToEmail, log,
	); em != nil {
		notifier = em
	}

	sched := scheduler.New(st, svc, window, notifier, log, cfg.App.ScheduleInterval)
	go sched.Run(ctx)

	srv := api.NewServer(cfg, log, svc, qrm, st, state, buffer)
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	svc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", slog.Any("error", err))
	}

	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("shutdown complete")
}
