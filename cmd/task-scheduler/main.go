package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"task-scheduler-service/internal/api"
	"task-scheduler-service/internal/scheduler"
	schedDB "task-scheduler-service/internal/scheduler/db"
	"task-scheduler-service/internal/scheduler/events"
	gormdb "task-scheduler-service/pkg/db"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "task-scheduler").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	gdb, err := gormdb.NewGormDB(gormdb.FromEnv(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	if err := gormdb.AutoMigrate(gdb, &schedDB.Task{}, &schedDB.Schedule{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	logger.Info().Msg("database ready")

	publisher := events.NewPublisher(events.NewWriter(), logger)

	sched := scheduler.New(gdb, logger, scheduler.Config{
		OnTaskStateChange: publisher.OnTaskStateChange,
	})
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler daemons")
	}

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}
	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))
	api.Register(h, api.NewHandler(sched, logger))

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		logger.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown error")
		}

		if err := sched.Stop(); err != nil {
			logger.Error().Err(err).Msg("scheduler shutdown error")
		}
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("event publisher close error")
		}
		logger.Info().Msg("shutdown complete")
	}()

	logger.Info().Str("addr", serverAddr).Msg("starting http server")
	h.Spin()
}
