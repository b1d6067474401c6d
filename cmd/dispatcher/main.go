package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/dispatch"
	"postflow/internal/publish"
	"postflow/internal/queue"
	"postflow/internal/store"
	"postflow/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg, "dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatch loop stopped")
	}
	log.Info().Msg("dispatcher shut down")
}

func newLogger(cfg config.Config, service string) zerolog.Logger {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", service).Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}
