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

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	log := logger.Component("server")

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

	ingress := dispatch.NewIngress(
		q,
		dispatch.NewJobEnqueuer(q),
		dispatch.NewPauseRegistry(redisClient),
		postgres.NewCampaignRepo(db),
		postgres.NewOrganizationRepo(db),
	)

	handlers := api.NewHandlers(ingress, map[string]api.HealthCheckFunc{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Error("server stopped unexpectedly", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
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
