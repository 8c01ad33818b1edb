// Package main wires together the collector service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/aggregator"
	"github.com/jipview/collector/internal/api"
	gcsarchive "github.com/jipview/collector/internal/archive/gcs"
	localarchive "github.com/jipview/collector/internal/archive/local"
	memoryarchive "github.com/jipview/collector/internal/archive/memory"
	"github.com/jipview/collector/internal/batch"
	"github.com/jipview/collector/internal/clock/system"
	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/config"
	"github.com/jipview/collector/internal/connector"
	"github.com/jipview/collector/internal/connector/headless"
	"github.com/jipview/collector/internal/connector/kb"
	"github.com/jipview/collector/internal/connector/molit"
	"github.com/jipview/collector/internal/executor"
	"github.com/jipview/collector/internal/id/uuid"
	"github.com/jipview/collector/internal/logging"
	memorypublisher "github.com/jipview/collector/internal/publisher/memory"
	pubsubpublisher "github.com/jipview/collector/internal/publisher/pubsub"
	memoryqueue "github.com/jipview/collector/internal/queue/memory"
	"github.com/jipview/collector/internal/registry"
	"github.com/jipview/collector/internal/scheduler"
	memorystore "github.com/jipview/collector/internal/store/memory"
	"github.com/jipview/collector/internal/store/postgres"
	"github.com/jipview/collector/internal/trigger"
)

type stores struct {
	jobs      collect.JobStore
	runs      collect.RunStore
	tasks     collect.TaskStore
	complexes collect.ComplexStore
	data      collect.DataStore
	close     func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("collector exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	blobs, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	clock := system.New()
	idGen := uuid.New()
	queue := memoryqueue.NewQueue(cfg.Executor.QueueDepth)

	kbClient := kb.NewClient(kb.Config{
		BaseURL:   cfg.KB.BaseURL,
		UserAgent: cfg.KB.UserAgent,
		Timeout:   time.Duration(cfg.KB.TimeoutSeconds) * time.Second,
	}, buildSession(cfg, logger))
	molitClient := molit.NewClient(molit.Config{
		BaseURL:    cfg.MOLIT.BaseURL,
		ServiceKey: cfg.MOLIT.ServiceKey,
		Timeout:    time.Duration(cfg.MOLIT.TimeoutSeconds) * time.Second,
	})
	collector := connector.NewService(kbClient, molitClient, st.data, blobs, clock, logger.Named("connector"))

	reg := registry.NewService(st.jobs, logger.Named("registry"))
	agg := aggregator.NewService(
		st.runs, st.tasks, publisher, cfg.Publisher.Topic,
		clock, idGen, cfg.Scheduler.StatusPageSize, logger.Named("aggregator"),
	)
	sched := scheduler.NewService(st.jobs, st.runs, st.tasks, st.complexes, queue, clock, logger.Named("scheduler"))
	sched.SetCompleter(agg)
	batches := batch.NewController(st.complexes, st.runs, st.jobs, sched, logger.Named("batch"))

	pool := executor.NewPool(
		executor.Config{
			Workers:           cfg.Executor.Workers,
			MaxRetries:        cfg.Executor.MaxRetries,
			TaskTimeout:       cfg.TaskTimeout(),
			LimiterMaxWait:    time.Duration(cfg.Executor.LimiterMaxWaitSecs) * time.Second,
			DefaultRatePerMin: cfg.Executor.DefaultRatePerMinute,
			CancelGrace:       time.Duration(cfg.Executor.CancelGraceSeconds) * time.Second,
		},
		queue, st.jobs, st.runs, st.tasks, st.complexes,
		collector, agg, clock, logger.Named("executor"),
	)
	reconciler := executor.NewReconciler(
		st.runs, st.tasks, queue, agg, clock,
		cfg.StaleAfter(),
		time.Duration(cfg.Executor.RecoveryIntervalMins)*time.Minute,
		logger.Named("reconciler"),
	)
	cronTrigger := trigger.NewService(st.jobs, sched, time.Minute, logger.Named("trigger"))

	apiServer := api.NewServer(
		reg, sched, agg, batches,
		st.complexes, st.runs, st.tasks, st.data, idGen, clock,
		logger.Named("api"), cfg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	pool.Start(ctx)
	go reconciler.Run(ctx)
	go cronTrigger.Run(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	pool.Shutdown()
	logger.Info("shutdown complete")
	return nil
}

func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	switch cfg.Database.Provider {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifeMins) * time.Minute,
		})
		if err != nil {
			return stores{}, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return stores{}, err
		}
		return stores{
			jobs:      postgres.NewJobStore(pool),
			runs:      postgres.NewRunStore(pool),
			tasks:     postgres.NewTaskStore(pool),
			complexes: postgres.NewComplexStore(pool),
			data:      postgres.NewDataStore(pool),
			close:     pool.Close,
		}, nil
	case "", "memory":
		return stores{
			jobs:      memorystore.NewJobStore(),
			runs:      memorystore.NewRunStore(),
			tasks:     memorystore.NewTaskStore(),
			complexes: memorystore.NewComplexStore(),
			data:      memorystore.NewDataStore(),
			close:     func() {},
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown database provider %q", cfg.Database.Provider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (collect.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return gcsarchive.New(client, cfg.Archive.GCSBucket)
	case "local":
		return localarchive.New(cfg.Archive.LocalDir)
	case "", "memory":
		return memoryarchive.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (collect.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "pubsub":
		return pubsubpublisher.Connect(ctx, cfg.Publisher.ProjectID)
	case "", "memory":
		return memorypublisher.NewPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}

func buildSession(cfg config.Config, logger *zap.Logger) kb.SessionProvider {
	if cfg.KB.HeadlessBootstrap {
		session, err := headless.NewSession(headless.Config{
			BootstrapURL: cfg.KB.BaseURL,
			UserAgent:    cfg.KB.UserAgent,
		})
		if err != nil {
			logger.Warn("headless session init failed, using static headers", zap.Error(err))
		} else {
			return session
		}
	}
	headers := http.Header{}
	if cfg.KB.UserAgent != "" {
		headers.Set("User-Agent", cfg.KB.UserAgent)
	}
	return headless.NewStaticSession(headers)
}
