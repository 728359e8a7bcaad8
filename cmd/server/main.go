// Package main - точка входа HTTP API движка прогрессии.
//
// Server обслуживает запросы на начисление XP, обновление серий и
// статистики, проверку достижений, выбор косметики и чтение рейтинга.
// При SCHEDULER_ENABLED=true в том же процессе работают фоновые задачи
// (перестроение XP индекса и аудит целостности); при раздельном
// развёртывании их берёт на себя cmd/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/progression/config"
	"github.com/alem-hub/progression/internal/bootstrap"
	httpapi "github.com/alem-hub/progression/internal/interface/http"
	"github.com/alem-hub/progression/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := bootstrap.NewLogger(cfg.Observability, os.Stdout).With(
		logger.String("app", cfg.App.Name),
		logger.String("version", cfg.App.Version),
	)
	log.Info("starting progression API",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("store", cfg.Store.Driver),
		logger.Bool("redis", cfg.Redis.Enabled),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩА, СЕРВИСЫ, ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer app.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	deps := httpapi.Dependencies{
		Progression:   app.Progression,
		Leaderboard:   app.Leaderboard,
		HealthChecker: app.Health,
		Logger:        log,
		Clock:         app.Clock,
		Version:       cfg.App.Version,
	}
	if app.Scheduler != nil {
		deps.Jobs = app.Scheduler
		deps.AdminTokenHash = cfg.HTTP.AdminTokenHash
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		MaxHeaderBytes: httpapi.DefaultConfig().MaxHeaderBytes,
	}, deps)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ЗАПУСК
	// ─────────────────────────────────────────────────────────────────────────
	if err := app.StartScheduler(ctx); err != nil {
		return err
	}
	serverErr := server.StartAsync()

	log.Info("progression API is running", logger.String("addr", cfg.HTTP.Addr))

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case err, ok := <-serverErr:
		if ok && err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("starting graceful shutdown...", logger.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", logger.Err(err))
	}

	log.Info("shutdown completed")
	return nil
}
