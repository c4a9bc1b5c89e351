package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"task-scheduler-service/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "task-worker").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	baseURL := os.Getenv("SCHEDULER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	groupKey := os.Getenv("GROUP_KEY")
	if groupKey == "" {
		logger.Fatal().Msg("GROUP_KEY is required")
	}
	batchSize := 10
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Fatal().Str("value", v).Msg("invalid BATCH_SIZE")
		}
		batchSize = n
	}

	client, err := worker.NewClient(baseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create scheduler client")
	}

	w := worker.New(client, logger, worker.Config{
		GroupKey:     groupKey,
		BatchSize:    batchSize,
		PollInterval: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	logger.Info().Str("scheduler_url", baseURL).Str("group_key", groupKey).Msg("worker polling for tasks")
	w.Run(ctx)
	logger.Info().Msg("worker stopped")
}
