package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/Maneox/List-IQ/internal/api"
	"github.com/Maneox/List-IQ/internal/config"
	"github.com/Maneox/List-IQ/internal/importer"
	"github.com/Maneox/List-IQ/internal/pkg/distlock"
	"github.com/Maneox/List-IQ/internal/pkg/logger"
	"github.com/Maneox/List-IQ/internal/publisher"
	"github.com/Maneox/List-IQ/internal/scheduler"
	"github.com/Maneox/List-IQ/internal/storage"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch cfg.Logging.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	if cfg.Logging.RedactSecrets != nil {
		logger.SetRedactSecrets(*cfg.Logging.RedactSecrets)
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	store := storage.NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	// Redis is optional; without it run tracking stays in process memory.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, using in-memory run tracking", "error", err.Error())
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	pub, err := publisher.New(cfg.Artifacts.Dir)
	if err != nil {
		log.Fatalf("Failed to prepare artifact directory: %v", err)
	}

	policy := importer.PolicyFromEnv()
	if cfg.Transport.HTTPProxy != "" {
		policy.HTTPProxy = cfg.Transport.HTTPProxy
	}
	if cfg.Transport.HTTPSProxy != "" {
		policy.HTTPSProxy = cfg.Transport.HTTPSProxy
	}
	if cfg.Transport.NoProxy != "" {
		policy.NoProxy = cfg.Transport.NoProxy
	}
	if cfg.Transport.CABundle != "" {
		policy.CABundle = cfg.Transport.CABundle
	}
	policy.VerifySSL = cfg.Transport.VerifySSLOrDefault() && policy.VerifySSL

	tracker := importer.NewRunTracker(redisClient)
	importSvc := importer.NewService(store, importer.NewFetcher(policy), tracker, pub, cfg.Server.ServerName).
		WithLocks(distlock.NewFactory(redisClient, db, 30*time.Minute))

	sched, err := scheduler.New(store, importSvc, cfg.Scheduler.Workers, cfg.Scheduler.MisfireGrace())
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	handlers := api.NewHandlers(store, importSvc, sched, pub, tracker)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr(), "server_name", cfg.Server.ServerName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}
	sched.Stop()
	logger.Info("stopped")
}
