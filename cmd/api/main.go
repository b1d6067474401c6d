package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/dispatch"
	"postflow/internal/publish"
	"postflow/internal/queue"
	"postflow/internal/ratelimit"
	"postflow/internal/scheduler"
	"postflow/internal/store"
	"postflow/internal/textgen"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg, "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// The Redis client is built once here and injected everywhere so the
	// process owns its lifecycle and tests can substitute miniredis.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	posts, err := content.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer posts.Close()
	if err := posts.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	jobs := store.New(rdb, log)
	delayQueue := queue.New(rdb)
	publisher := publish.NewClient(cfg, log)
	dispatcher := dispatch.New(cfg, delayQueue, jobs, posts, publisher, log)
	sched := scheduler.New(jobs, delayQueue, posts, dispatcher, log)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	gen := textgen.NewHTTPGenerator(cfg.TextGenURL, cfg.TextGenAPIKey, cfg.TextGenModel)

	server := api.New(cfg, sched, posts, gen, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config, service string) zerolog.Logger {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", service).Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}
