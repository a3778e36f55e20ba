package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"campflow/internal/automation"
	"campflow/internal/bandetect"
	"campflow/internal/config"
	"campflow/internal/constants"
	"campflow/internal/counterstore"
	"campflow/internal/database"
	"campflow/internal/dispatcher"
	"campflow/internal/models"
	"campflow/internal/queue"
	"campflow/internal/ratelimiter"
	"campflow/internal/retry"
	"campflow/internal/service"
	"campflow/internal/tracing"
	"campflow/pkg/provider/types"
	"campflow/pkg/provider/waha"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("campflow %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting campflow")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	store, err := buildCounterStore(ctx, cfg, db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize counter store: %w", err)
	}

	providerClient := waha.NewClient(types.ClientConfig{
		BaseURL:     cfg.Provider.APIBaseURL,
		APIKey:      os.Getenv("PROVIDER_API_KEY"),
		SessionName: cfg.Provider.SessionName,
		TimeoutSec:  cfg.Provider.TimeoutSec,
	})

	limiter := ratelimiter.New(cfg.RateLimit, store, logger)
	detector := bandetect.New(store, logger, nil)

	disp := dispatcher.New(db, providerClient, limiter, detector, store, cfg.RateLimit, logger)
	go disp.Run(ctx)

	engine := automation.NewEngine(db, cfg.Automation, logger)

	sweeper := automation.NewSweeper(engine, cfg.Automation, logger)
	go sweeper.Start(ctx)

	deliveryMonitor := service.NewDeliveryMonitor(db,
		time.Duration(constants.DefaultStaleSentCheckMinutes)*time.Minute,
		time.Duration(constants.DefaultStaleSentThresholdHours)*time.Hour,
		logger)
	go deliveryMonitor.Start(ctx)

	scheduler := service.NewScheduler(db, cfg.RetentionDays, cfg.Server.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)

	launcher := service.NewLauncher(db, logger)

	var launchPub launchPublisher
	if cfg.Queue.Enabled {
		var conn *queue.Connection
		err = backoff.Retry(ctx, func() error {
			var dialErr error
			conn, dialErr = queue.NewConnection(cfg.Queue.URL, logger)
			if dialErr != nil {
				logger.Warnf("Failed to connect to AMQP broker: %v", dialErr)
			}
			return dialErr
		})
		if err != nil {
			return fmt.Errorf("failed to connect to AMQP broker after retries: %w", err)
		}
		defer conn.Close()

		consumer, err := queue.NewConsumer(conn, cfg.Queue.QueueName, func(ctx context.Context, job *queue.LaunchJob) error {
			_, launchErr := launcher.Launch(ctx, job.CampaignID, job.ContactIDs)
			return launchErr
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create launch consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start launch consumer: %w", err)
		}
		defer consumer.Stop()

		publisher, err := queue.NewPublisher(conn, cfg.Queue.QueueName)
		if err != nil {
			return fmt.Errorf("failed to create launch publisher: %w", err)
		}
		launchPub = publisher
	}

	server := NewServer(cfg, db, engine, launcher, launchPub, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	disp.Stop()
	logger.Info("Server shutdown completed")
	return nil
}

// buildCounterStore selects the configured backend. SQLite shares the main
// database file; memcached suits multi-process deployments where the
// counters must be shared.
func buildCounterStore(ctx context.Context, cfg *models.Config, db *database.Database, logger *logrus.Logger) (counterstore.Store, error) {
	switch cfg.CounterStore.Backend {
	case "memcache":
		store, err := counterstore.NewMemcacheStore(cfg.CounterStore.MemcacheAddr, cfg.CounterStore.MemcacheConns)
		if err != nil {
			return nil, err
		}
		logger.WithField("addr", cfg.CounterStore.MemcacheAddr).Info("Using memcached counter store")
		return store, nil
	default:
		store := counterstore.NewSQLiteStore(db.SQL())
		go sweepCounters(ctx, store, logger)
		logger.Info("Using SQLite counter store")
		return store, nil
	}
}

// sweepCounters periodically drops expired counter rows so the table does
// not accumulate dead daily keys.
func sweepCounters(ctx context.Context, store *counterstore.SQLiteStore, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Duration(constants.CounterSweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Sweep(ctx); err != nil {
				logger.WithError(err).Error("Counter sweep failed")
			}
		}
	}
}
