// Command alertd runs the alert engine: it evaluates alert rules against
// metrics on a fixed interval and emails contact groups on state changes.
//
// # Usage
//
//	alertd --config /etc/alertd/alertd.yaml
//	alertd --database postgres://localhost/opsduty --once
//
// # Configuration
//
// alertd can be configured via:
// - Command-line flags
// - Environment variables (ALERTD_*)
// - A YAML config file, reloaded on change
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autointelli/alertd/alertd/internal/bus"
	"github.com/autointelli/alertd/alertd/internal/cache"
	"github.com/autointelli/alertd/alertd/internal/config"
	"github.com/autointelli/alertd/alertd/internal/engine"
	"github.com/autointelli/alertd/alertd/internal/handlers"
	"github.com/autointelli/alertd/alertd/internal/health"
	"github.com/autointelli/alertd/alertd/internal/license"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/notify"
	"github.com/autointelli/alertd/alertd/internal/scheduler"
	"github.com/autointelli/alertd/alertd/internal/secrets"
	"github.com/autointelli/alertd/alertd/internal/store"
	"github.com/autointelli/alertd/db/migrate"
	"github.com/autointelli/alertd/pkg/types"
	"github.com/prometheus/common/model"
)

const version = "alertd v0.3.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		dbURL       = flag.String("database", "", "Database URL (postgres://...)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		once        = flag.Bool("once", false, "Run a single alert cycle and exit")
		migrateOnly = flag.Bool("migrate-only", false, "Apply database migrations and exit")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := loadConfig(*configPath, *dbURL)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *configPath, *once, *migrateOnly, logger); err != nil {
		logger.Error("alertd failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment and the -database flag, then validates.
func loadConfig(path, dbURL string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, configPath string, once, migrateOnly bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(connectCtx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(connectCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if migrateOnly {
		return nil
	}

	// Cache: Redis when configured, otherwise in-process.
	var (
		c      cache.Cache
		leaser scheduler.Leaser
	)
	if cfg.Redis.URL != "" {
		r, err := cache.NewRedis(cfg.Redis.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer r.Close()
		c = r
		if cfg.Scheduler.Lease {
			leaser = r
		}
		logger.Info("using redis cache", "lease", cfg.Scheduler.Lease)
	} else {
		c = cache.NewMemory(time.Minute)
		if cfg.Scheduler.Lease {
			logger.Warn("scheduler.lease requires redis, running without a lease")
		}
	}

	secretProvider, err := secrets.New(secrets.Config{
		Backend:            cfg.Secrets.Backend,
		Dir:                cfg.Secrets.Dir,
		OnePasswordHost:    cfg.Secrets.OnePassword.Host,
		OnePasswordToken:   cfg.Secrets.OnePassword.Token,
		OnePasswordVaultID: cfg.Secrets.OnePassword.VaultID,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing secrets: %w", err)
	}

	var transport notify.Transport
	if cfg.Notify.DryRun {
		transport = notify.NewLogTransport(logger)
		logger.Info("dry run enabled, notifications are logged only")
	} else {
		transport = notify.NewSMTPTransport(db, secretProvider, cfg.Notify.HTML)
	}

	dispatcher := notify.NewDispatcher(db, transport, notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, logger)
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	deps := handlers.Deps{
		Targets:      db,
		Notifier:     dispatcher,
		Logger:       logger,
		TenantLabel:  cfg.Handlers.TenantLabel,
		StaleSeconds: cfg.Handlers.StaleSeconds,
	}
	if cfg.Prometheus.URL != "" {
		deps.Prom = metricsrc.NewPrometheus(metricsConfig(cfg.Prometheus), logger)
	} else {
		deps.Prom = noProm{}
		logger.Warn("prometheus not configured, server, service and oracle rules will fail")
	}
	if cfg.Influx.URL != "" {
		deps.Influx = metricsrc.NewInflux(metricsConfig(cfg.Influx), logger)
	} else {
		deps.Influx = noInflux{}
		logger.Warn("influx not configured, network and device rules will fail")
	}
	if fg := fortigateConfig(cfg); fg.URL != "" {
		deps.Fortigate = metricsrc.NewInflux(metricsConfig(fg), logger)
	} else {
		deps.Fortigate = noInflux{}
	}
	registry := handlers.Default(deps)

	catalog := engine.NewCachedCatalog(db, c, config.CacheTTLRules, logger)
	eng := engine.New(catalog, registry, db, engine.Config{
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger)

	opts := []scheduler.Option{
		scheduler.WithProcessReporter(health.NewCollector(config.CacheTTLProcessStats)),
	}
	if leaser != nil {
		host, _ := os.Hostname()
		opts = append(opts, scheduler.WithLeaser(leaser, fmt.Sprintf("%s-%d", host, os.Getpid())))
	}
	sched := scheduler.New(eng, scheduler.Config{
		Interval: cfg.Scheduler.Interval,
		Filter:   ruleFilter(cfg.Scheduler.Types),
		LeaseTTL: cfg.Scheduler.LeaseTTL,
	}, logger, opts...)

	if once {
		_, err := sched.RunOnce(ctx)
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				sched.SetInterval(next.Scheduler.Interval)
			})
			if err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	if cfg.NATS.URL != "" {
		b, err := bus.Connect(cfg.NATS.URL, logger)
		if err != nil {
			// The bus only shortens cache staleness; run without it.
			logger.Error("change bus unavailable", "error", err)
		} else {
			defer b.Close()
			gate := license.NewGate(db, c, logger)
			if err := b.Subscribe(catalog, gate); err != nil {
				logger.Error("subscribing to change bus failed", "error", err)
			}
		}
	}

	logger.Info("alertd running", "version", version, "interval", cfg.Scheduler.Interval)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func metricsConfig(m config.MetricsConfig) metricsrc.Config {
	return metricsrc.Config{
		URL:       m.URL,
		Database:  m.Database,
		Username:  m.Username,
		Password:  m.Password,
		Timeout:   m.Timeout,
		RateLimit: m.RateLimit,
	}
}

// fortigateConfig fills an unset fortigate URL and credentials from influx.
func fortigateConfig(cfg *config.Config) config.MetricsConfig {
	fg := cfg.Fortigate
	if fg.URL == "" {
		fg.URL = cfg.Influx.URL
		fg.Username = cfg.Influx.Username
		fg.Password = cfg.Influx.Password
	}
	return fg
}

func ruleFilter(names []string) types.RuleFilter {
	var f types.RuleFilter
	for _, n := range names {
		f.Types = append(f.Types, types.ParseMonitoringType(n))
	}
	return f
}

var (
	errNoProm   = errors.New("prometheus is not configured")
	errNoInflux = errors.New("influx is not configured")
)

type noProm struct{}

func (noProm) Query(context.Context, string) (model.Vector, error) { return nil, errNoProm }

type noInflux struct{}

func (noInflux) Query(context.Context, string) ([]metricsrc.Series, error) { return nil, errNoInflux }
