// Package main - точка входа для фоновых процессов (Worker) движка прогрессии.
//
// Worker отвечает за периодические задачи:
// - Перестроение XP индекса в Redis из основного хранилища
// - Аудит целостности записей прогресса (уровень, XP, достижения)
//
// С флагом -run задача выполняется один раз, и процесс завершается.
// Это удобно для cron в Kubernetes и ручного восстановления индекса.
//
// Флаг -hash-admin-token читает токен из stdin и печатает bcrypt хеш
// для HTTP_ADMIN_TOKEN_HASH.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alem-hub/progression/config"
	"github.com/alem-hub/progression/internal/bootstrap"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	runOnce := flag.String("run", "", "run a single job by name and exit")
	hashToken := flag.Bool("hash-admin-token", false, "read an admin token from stdin and print its bcrypt hash")
	flag.Parse()

	if *hashToken {
		if err := printTokenHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, *runOnce); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, runOnce string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Worker существует ради задач: флаг SCHEDULER_ENABLED управляет только API.
	cfg.Scheduler.Enabled = true

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := bootstrap.NewLogger(cfg.Observability, os.Stdout).With(
		logger.String("app", cfg.App.Name+"-worker"),
		logger.String("version", cfg.App.Version),
	)
	log.Info("starting progression worker",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("timezone", cfg.App.Timezone),
		logger.String("store", cfg.Store.Driver),
		logger.Bool("redis", cfg.Redis.Enabled),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩА И ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer app.Close()

	for _, job := range app.Scheduler.ListJobs() {
		log.Info("job registered",
			logger.String("job", job.Name),
			logger.String("schedule", job.Schedule),
			logger.Time("next_run", job.NextRun),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. РАЗОВЫЙ ЗАПУСК
	// ─────────────────────────────────────────────────────────────────────────
	if runOnce != "" {
		res, err := app.Scheduler.RunNow(ctx, runOnce)
		if err != nil {
			return fmt.Errorf("job %s: %w", runOnce, err)
		}
		log.Info("job finished",
			logger.String("job", res.JobName),
			logger.Duration("duration", res.Duration),
		)
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. WORKER LOOP
	// ─────────────────────────────────────────────────────────────────────────
	if err := app.StartScheduler(ctx); err != nil {
		return err
	}
	log.Info("progression worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	stopped := make(chan struct{})
	go func() {
		app.Close()
		close(stopped)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	select {
	case <-stopped:
		log.Info("shutdown completed successfully")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("shutdown timed out waiting for running jobs")
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// printTokenHash читает первую строку in и печатает её bcrypt хеш.
func printTokenHash(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read token: %w", err)
	}
	hash, err := handlers.HashAdminToken(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
