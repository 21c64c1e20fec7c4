package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	log := logger.Component("worker-main")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Error("configuration load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	q := queue.New(redisClient, cfg.Queue.Name, queue.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffBase:    cfg.Queue.BackoffBase(),
		BackoffCeiling: cfg.Queue.BackoffCeiling(),
		LeaseDuration:  cfg.Queue.LeaseDuration(),
	})

	pool := transport.NewConnectionPool(transport.DialSession, transport.PoolConfig{
		IdleTimeout:    cfg.Pool.IdleTimeout(),
		SweepInterval:  cfg.Pool.SweepInterval(),
		MaxMessages:    cfg.Pool.MaxMessages,
		MaxConnections: cfg.Pool.MaxConnections,
	})

	transports := map[domain.TransportKind]transport.Transport{
		domain.TransportSMTP: transport.NewSMTPTransport(pool),
	}
	if cfg.SES.Enabled {
		ses, err := transport.NewSESTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Error("ses transport init failed", "error", err)
			os.Exit(1)
		}
		transports[domain.TransportSES] = ses
	}

	lockFactory := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}

	worker := dispatch.NewWorker(dispatch.WorkerDeps{
		Queue:        q,
		Pause:        dispatch.NewPauseRegistry(redisClient),
		Quota:        dispatch.NewQuotaGovernor(redisClient),
		Throttle:     dispatch.NewSenderThrottle(redisClient),
		Classifier:   dispatch.NewRetryClassifier(cfg.Classifier.DeferDurations()),
		Reschedule:   dispatch.NewRescheduleEngine(q, lockFactory),
		Campaigns:    postgres.NewCampaignRepo(db),
		Orgs:         postgres.NewOrganizationRepo(db),
		Emails:       postgres.NewEmailRepo(db),
		Suppressions: postgres.NewSuppressionRepo(db),
		Senders:      postgres.NewSenderRepo(db),
		Transports:   transports,
	}, dispatch.WorkerConfig{
		Concurrency:        cfg.Worker.Concurrency,
		PollInterval:       cfg.Worker.PollInterval(),
		PauseRecheckDelay:  cfg.Worker.PauseRecheckDelay(),
		LeaseRenewInterval: cfg.Worker.LeaseRenewInterval(),
		ReclaimInterval:    cfg.Worker.ReclaimInterval(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	log.Info("dispatch worker running", "concurrency", cfg.Worker.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("relay pool shutdown incomplete", "error", err)
	}

	stats := worker.Stats()
	log.Info("worker stopped",
		"processed", stats.Processed, "sent", stats.Sent, "failed", stats.Failed,
		"suppressed", stats.Suppressed, "limited", stats.Limited, "rescheduled", stats.Rescheduled)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
