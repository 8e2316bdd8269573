// Command querydemo explains sample queries, runs them on the live store and
// on the cache backend, and reports whether the two agree.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"ormquery/internal/config"
	"ormquery/internal/demoapp"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("querydemo error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := config.Load(args)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return errors.Wrap(validationResult, "configuration validation failed")
	}

	logger := demoapp.InitLogger(cfg)
	logger.Info("starting querydemo",
		slog.String("version", Version),
		slog.String("commit", Commit),
		slog.String("dialect", cfg.Dialect),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := demoapp.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := app.Init(ctx); err != nil {
		return err
	}
	if err := app.Run(ctx, stdout); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "all samples agree")
	return nil
}
