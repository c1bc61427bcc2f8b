package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peaksync/peaksync/pkg/coordinator"
	"github.com/peaksync/peaksync/pkg/hydro"
	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/server"
	"github.com/peaksync/peaksync/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	hq := hydro.Configured()
	db := storage.Configured()
	co := coordinator.Configured(hq, db)

	// init server
	srv := server.Configured(co, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := hq.Validate(); err != nil {
		slog.Error("invalid provider configuration", slog.Any("error", err))
		os.Exit(1)
	}
	hq.SetContract(co.ContractID(), co.RatePlan())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// run the coordinator and the API server together; either one failing
	// takes the process down
	errChan := make(chan error, 2)
	go func() {
		errChan <- co.Run(ctx)
	}()
	go func() {
		errChan <- srv.Run(ctx)
	}()

	if err := <-errChan; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "service failed", "error", err)
		cancel()
		os.Exit(1)
	}
	cancel()
	if err := <-errChan; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "service failed during shutdown", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
