package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/observation-portal/internal/config"
	"github.com/ILLUVRSE/observation-portal/internal/duration"
	"github.com/ILLUVRSE/observation-portal/internal/httpserver"
	"github.com/ILLUVRSE/observation-portal/internal/ledger"
	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/notify"
	"github.com/ILLUVRSE/observation-portal/internal/semesters"
	"github.com/ILLUVRSE/observation-portal/internal/service"
	"github.com/ILLUVRSE/observation-portal/internal/store"
	"github.com/ILLUVRSE/observation-portal/internal/sweeper"
)

func setConfigFile(path string) {
	os.Setenv("PORTAL_CONFIG_FILE", path)
}

// app holds everything the subcommands share.
type app struct {
	cfg         config.Config
	log         *logging.Logger
	db          *sql.DB
	store       store.Store
	engine      *service.Engine
	lastChanges *notify.StoreSignal
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.log.Sync()
}

func openDB(cfg config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required (or pass --memory to serve)")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func newApp(memory bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a := &app{cfg: cfg, log: log}

	if memory {
		log.Warn("using in-memory store; state is lost on exit")
		a.store = store.NewMemoryStore()
	} else {
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = store.NewPGStore(db)
	}

	semesterCache := semesters.NewCache(a.store, cfg.SemesterCacheTTL)
	calc := duration.NewCalculator(duration.NewStaticOverheads(cfg.Overheads), semesterCache)
	l := ledger.New(a.store, ledger.Config{MinIPPValue: cfg.MinIPPValue, MaxIPPValue: cfg.MaxIPPValue}, log)
	a.lastChanges = notify.NewStoreSignal(a.store, nil, log)
	a.engine = service.New(a.store, l, calc, notify.Fanout{notify.NewLogNotifier(log)}, a.lastChanges, service.Options{
		MaxFailuresPerRequest: cfg.MaxFailuresPerRequest,
		Logger:                log,
	})
	return a, nil
}

func (a *app) newStreamer(ctx context.Context) (*notify.Streamer, error) {
	publisher, err := notify.NewKafkaPublisher(notify.KafkaConfig{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaTopic,
	})
	if err != nil {
		return nil, err
	}
	var archiver notify.Archiver
	if a.cfg.S3Bucket != "" {
		s3, err := notify.NewS3Archiver(ctx, a.cfg.S3Bucket, a.cfg.S3Prefix)
		if err != nil {
			publisher.Close()
			return nil, err
		}
		archiver = s3
	}
	return notify.NewStreamer(a.store, publisher, archiver, notify.StreamerConfig{
		BatchSize:      a.cfg.StreamBatchSize,
		PollInterval:   a.cfg.StreamPollInterval,
		MaxConcurrency: a.cfg.StreamMaxConcurrency,
	}, a.log), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(useMemoryStore)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := httpserver.New(a.engine, a.store, a.lastChanges, a.log)
	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("lifecycle service listening", logging.String("addr", a.cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error("graceful shutdown failed", logging.Error(err))
		}
		return nil
	})

	runner := sweeper.NewRunner(a.engine, a.lastChanges, a.cfg.SweepInterval, a.log)
	g.Go(func() error {
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.cfg.StreamingEnabled() {
		streamer, err := a.newStreamer(gctx)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("streamer init: %w", err)
		}
		g.Go(func() error {
			if err := streamer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		a.log.Info("KAFKA_BROKERS not set; state transitions stay in the outbox")
	}

	return g.Wait()
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := sweeper.NewRunner(a.engine, a.lastChanges, a.cfg.SweepInterval, a.log)
	changed, err := runner.RunOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	a.log.Info("window expiration sweep finished", logging.Bool("changed", changed))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.NewPGStore(db).Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}
