// Command mnemo runs the memory engine: durable storage, redaction,
// embedding and hybrid recall, with a Prometheus metrics endpoint.
//
// Usage:
//
//	mnemo serve                      # start the engine
//	mnemo serve --config mnemo.yaml  # with a config file
//	mnemo migrate up                 # apply schema migrations (postgres)
//	mnemo migrate status             # show migration status
//	mnemo version                    # show version information
//	mnemo health                     # probe a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/embedding"
	"github.com/mnemo-ai/mnemo/internal/database"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/migration"
	"github.com/mnemo-ai/mnemo/internal/telemetry"
	"github.com/mnemo-ai/mnemo/memory"
	"github.com/mnemo-ai/mnemo/retrieval"
	"github.com/mnemo-ai/mnemo/scanner"
	"github.com/mnemo-ai/mnemo/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting mnemo",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector("mnemo", prometheus.DefaultRegisterer, logger)

	backend, pool, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage backend", zap.Error(err))
	}
	defer backend.Close()
	if pool != nil {
		defer pool.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, watcher := initScanner(cfg.Scanner, logger)
	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("pattern watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	embedder := embedding.NewResilientProvider(
		embedding.NewOpenAIProvider(cfg.Embedding.OpenAI),
		cfg.Embedding.Resilient,
		logger,
	)
	embedder.OnRetry(collector.RecordEmbeddingRetry)

	retriever := retrieval.NewHybridRetriever(cfg.Retrieval, backend, logger)

	managerOpts := []memory.Option{memory.WithMetrics(collector)}
	if cfg.Cache.Enabled {
		embCache, err := memory.NewRedisEmbeddingCache(cfg.Cache.Redis, logger)
		if err != nil {
			logger.Warn("embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer embCache.Close()
			managerOpts = append(managerOpts, memory.WithEmbeddingCache(embCache))
		}
	}

	manager := memory.NewManager(cfg.Memory, backend, embedder, sc, retriever, nil, logger, managerOpts...)
	go manager.RunRetention(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Port, logger)
	}

	logger.Info("mnemo ready", zap.String("storage_driver", cfg.Storage.Driver))
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("mnemo stopped")
}

// openBackend builds the configured storage backend. Postgres gets a
// managed connection pool and, when configured, schema migrations.
func openBackend(cfg *config.Config, logger *zap.Logger) (storage.Backend, *database.PoolManager, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(logger), nil, nil

	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case "postgres":
		db, err := storage.OpenPostgres(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		pool, err := database.NewPoolManager(db, cfg.Storage.Pool, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			sqlDB, err := db.DB()
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			migrator, err := migration.NewMigrator(sqlDB, logger)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			if err := migrator.Up(); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return storage.NewPostgresStore(db, logger), pool, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

// initScanner builds the redaction scanner and, when a pattern file is
// configured, its hot-reload watcher.
func initScanner(cfg config.ScannerConfig, logger *zap.Logger) (*scanner.Scanner, *scanner.Watcher) {
	var patterns []scanner.Pattern
	if cfg.PatternsPath != "" {
		loaded, err := scanner.LoadPatternsFile(cfg.PatternsPath)
		if err != nil {
			logger.Warn("failed to load pattern file, using defaults",
				zap.String("path", cfg.PatternsPath), zap.Error(err))
		} else {
			patterns = loaded
		}
	}

	sc := scanner.New(patterns, logger)

	var watcher *scanner.Watcher
	if cfg.PatternsPath != "" && cfg.ReloadInterval > 0 {
		watcher = scanner.NewWatcher(cfg.PatternsPath, cfg.ReloadInterval, sc, logger)
	}
	return sc, watcher
}

func startMetricsServer(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	sub := "up"
	if fs.NArg() > 0 {
		sub = fs.Arg(0)
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Driver != "postgres" {
		fmt.Fprintf(os.Stderr, "Migrations require the postgres driver (got %s)\n", cfg.Storage.Driver)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	db, err := storage.OpenPostgres(cfg.Storage.DSN)
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("failed to get sql.DB", zap.Error(err))
	}
	defer sqlDB.Close()

	migrator, err := migration.NewMigrator(sqlDB, logger)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}

	switch sub {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = migrator.Version()
		if err == nil {
			fmt.Printf("version: %d dirty: %v\n", version, dirty)
		}
	case "status":
		var statuses []migration.Status
		statuses, err = migrator.Statuses()
		if err == nil {
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				if s.Dirty {
					state = "dirty"
				}
				fmt.Printf("%06d  %-40s %s\n", s.Version, s.Name, state)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Metrics server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("mnemo %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`mnemo - memory and context engine

Usage:
  mnemo <command> [options]

Commands:
  serve     Start the engine
  migrate   Schema migration commands (postgres)
  version   Show version information
  health    Probe a running instance
  help      Show this help message

Options for 'serve' and 'migrate':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version

Examples:
  mnemo serve --config /etc/mnemo/config.yaml
  mnemo migrate up --config /etc/mnemo/config.yaml
  mnemo health --addr http://localhost:9090`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
