// Package bootstrap assembles the process from configuration: stores,
// identity adapters, the progression service, the leaderboard query,
// health checks and background jobs. Both binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression/config"
	"github.com/alem-hub/progression/internal/application/progression"
	"github.com/alem-hub/progression/internal/application/query"
	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/identity"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/circuitbreaker"
	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/retry"
	"github.com/alem-hub/progression/pkg/timeutil"
)

// App holds every wired component. Fields that depend on optional
// configuration (Index, Scheduler) are nil when disabled.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Clock  timeutil.Clock

	Catalog    *catalog.Catalog
	Store      progress.Repository
	Lister     progress.Lister
	Index      *redis.IndexedRepository
	Identities leaderboard.IdentityProvider

	Progression *progression.Service
	Leaderboard *query.GetLeaderboardHandler
	Health      *handlers.CompositeHealthChecker
	Scheduler   *scheduler.Scheduler

	mu      sync.Mutex
	closers []func()
}

// Option adjusts how New builds the App.
type Option func(*options)

type options struct {
	clock timeutil.Clock
}

// WithClock overrides the system clock for every component.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewLogger builds the process logger from observability settings.
func NewLogger(cfg config.ObservabilityConfig, out io.Writer) *logger.Logger {
	if out == nil {
		out = os.Stdout
	}
	return logger.New(logger.Options{
		Output:    out,
		Level:     logger.ParseLevel(cfg.LogLevel),
		Format:    logger.Format(cfg.LogFormat),
		AddCaller: true,
	})
}

// New wires the application. On error, everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*App, error) {
	o := options{clock: timeutil.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.Nop()
	}

	app := &App{Config: cfg, Log: log, Clock: o.clock}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	cat, err := loadCatalog(cfg.App.CatalogPath)
	if err != nil {
		return err
	}
	a.Catalog = cat
	a.Log.Info("catalog loaded",
		logger.Int("achievements", cat.Size()),
		logger.Int("cosmetics", len(cat.Cosmetics())),
	)

	a.Health = handlers.NewCompositeHealthChecker(cfg.App.Version)

	conn, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if cfg.Redis.Enabled {
		if err := a.openIndex(ctx); err != nil {
			return err
		}
	}
	if err := a.openIdentities(conn); err != nil {
		return err
	}

	a.Progression = progression.NewService(a.Store, a.Catalog,
		progression.WithClock(a.Clock),
		progression.WithLogger(a.Log),
	)
	a.Leaderboard = query.NewGetLeaderboardHandler(a.Store, a.Identities,
		query.WithLeaderboardLogger(a.Log),
		query.WithLeaderboardClock(a.Clock),
		query.WithJoinParallelism(cfg.Leaderboard.JoinParallelism),
	)

	if cfg.Scheduler.Enabled {
		return a.buildScheduler()
	}
	return nil
}

// Close releases stores and connections in reverse order of opening.
// Only the first call does any work.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cat, err := catalog.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STORES
// ══════════════════════════════════════════════════════════════════════════════

// openStore opens the primary store. The postgres connection is returned
// so the identity adapter can share its pool.
func (a *App) openStore(ctx context.Context) (*postgres.Connection, error) {
	cfg := a.Config
	log := a.Log.With(logger.Component("store"), logger.String("driver", cfg.Store.Driver))

	switch cfg.Store.Driver {
	case config.DriverMemory:
		repo := memory.NewProgressRepository()
		a.Store, a.Lister = repo, repo
		a.Health.AddCheck("store", func(context.Context) error { return nil })
		log.Warn("using in-memory store, progress is lost on restart")
		return nil, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.onClose(func() {
			if err := store.Close(); err != nil {
				log.Warn("close sqlite", logger.Err(err))
			}
		})
		a.Store, a.Lister = store, store
		a.Health.AddCheck("store", handlers.PingCheck(store))
		log.Info("sqlite store opened", logger.String("path", cfg.Store.SQLitePath))
		return nil, nil

	case config.DriverPostgres:
		conn, err := a.connectPostgres(ctx)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewProgressRepository(conn)
		a.Store, a.Lister = repo, repo
		a.Health.AddCheck("store", handlers.PingCheck(conn))
		return conn, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) connectPostgres(ctx context.Context) (*postgres.Connection, error) {
	db := a.Config.Database
	log := a.Log.With(logger.Component("postgres"))

	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = db.URL
	if db.Host != "" {
		pgCfg.Host = db.Host
	}
	pgCfg.Port = db.Port
	pgCfg.Database = db.Name
	pgCfg.User = db.User
	pgCfg.Password = db.Password
	pgCfg.SSLMode = db.SSLMode
	pgCfg.MaxConns = db.MaxConns
	pgCfg.MinConns = db.MinConns
	pgCfg.MaxConnLifetime = db.MaxConnLifetime
	pgCfg.MaxConnIdleTime = db.MaxConnIdleTime
	pgCfg.ConnectTimeout = db.ConnectTimeout

	policy := retry.Startup(func(attempt int, err error, delay time.Duration) {
		log.Warn("database not reachable, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)
	})

	conn, err := retry.Value(ctx, policy, func(ctx context.Context) (*postgres.Connection, error) {
		return postgres.NewConnection(ctx, pgCfg)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.onClose(func() {
		log.Info("closing database connection")
		conn.Close()
	})
	log.Info("database connection established")

	if db.Migrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}
	return conn, nil
}

// openIndex puts the Redis XP index in front of the primary store and
// builds it. A failed initial build leaves the index cold: leaderboard
// reads go to the primary store until the reindex job succeeds.
func (a *App) openIndex(ctx context.Context) error {
	rc := a.Config.Redis
	log := a.Log.With(logger.Component("xp_index"))

	redisCfg := redis.DefaultConfig()
	redisCfg.Host = rc.Host
	redisCfg.Port = rc.Port
	redisCfg.Password = rc.Password
	redisCfg.DB = rc.DB
	redisCfg.PoolSize = rc.PoolSize
	redisCfg.MinIdleConns = rc.MinIdleConns
	redisCfg.DialTimeout = rc.DialTimeout
	redisCfg.ReadTimeout = rc.ReadTimeout
	redisCfg.WriteTimeout = rc.WriteTimeout
	redisCfg.KeyPrefix = rc.KeyPrefix

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		// The index is optional; run without it but keep the client so
		// it can recover once Redis is reachable.
		log.Warn("redis unreachable, starting with a cold index", logger.Err(err))
		rdb = goredis.NewClient(redisCfg.Options())
	}
	a.onClose(func() {
		if err := rdb.Close(); err != nil {
			log.Warn("close redis", logger.Err(err))
		}
	})

	breaker := circuitbreaker.IndexBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	index := redis.NewIndexedRepository(a.Store, rdb,
		redis.WithIndexKey(redisCfg.XPKey()),
		redis.WithIndexLogger(a.Log),
		redis.WithIndexBreaker(breaker),
	)
	a.Index = index
	a.Store, a.Lister = index, index
	a.Health.AddOptionalCheck("xp_index", index.Ping)

	if err == nil {
		n, rerr := index.Reindex(ctx)
		if rerr != nil {
			log.Warn("initial reindex failed", logger.Err(rerr))
		} else {
			log.Info("xp index built", logger.Int("records", n))
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY
// ══════════════════════════════════════════════════════════════════════════════

// openIdentities selects the identity source: the users table when the
// store is postgres, otherwise the YAML seed file. Either is cached.
func (a *App) openIdentities(conn *postgres.Connection) error {
	ic := a.Config.Identity
	log := a.Log.With(logger.Component("identity"))

	var inner leaderboard.IdentityProvider
	switch {
	case conn != nil:
		inner = postgres.NewIdentityRepository(conn)
		log.Info("identities read from users table")
	case ic.SeedFile != "":
		dir, err := identity.LoadSeedFile(ic.SeedFile)
		if err != nil {
			return err
		}
		inner = dir
		log.Info("identities loaded from seed file",
			logger.String("path", ic.SeedFile),
			logger.Int("count", dir.Len()),
		)
	default:
		inner = identity.NewDirectory()
		log.Warn("no identity source configured, the leaderboard will be empty")
	}

	cached, err := identity.NewCachedProvider(inner, ic.CacheSize, ic.CacheTTL, a.Clock)
	if err != nil {
		return fmt.Errorf("identity cache: %w", err)
	}
	a.Identities = cached
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

func (a *App) buildScheduler() error {
	sc := a.Config.Scheduler

	a.Scheduler = scheduler.New(scheduler.Config{
		Logger:       a.Log,
		Clock:        a.Clock,
		TickInterval: sc.TickInterval,
		Location:     a.Config.App.Location,
	})

	if a.Index != nil {
		schedule, err := scheduler.ParseSchedule(sc.ReindexSchedule)
		if err != nil {
			return fmt.Errorf("reindex schedule: %w", err)
		}
		job := jobs.NewReindexXPJob(a.Index, a.Log, a.Clock, sc.JobTimeout)
		if err := a.Scheduler.Register(job, schedule); err != nil {
			return err
		}
	}

	schedule, err := scheduler.ParseSchedule(sc.AuditSchedule)
	if err != nil {
		return fmt.Errorf("audit schedule: %w", err)
	}
	if err := a.Scheduler.Register(jobs.NewAuditIntegrityJob(a.Lister, a.Log), schedule); err != nil {
		return err
	}
	return nil
}

// StartScheduler starts background jobs if the scheduler is enabled.
func (a *App) StartScheduler(ctx context.Context) error {
	if a.Scheduler == nil {
		return nil
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.onClose(func() {
		if err := a.Scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			a.Log.Warn("stop scheduler", logger.Err(err))
		}
	})
	return nil
}
