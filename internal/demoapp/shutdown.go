package demoapp

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"ormquery/internal/logging"
)

// resources tracks what Init acquired so it can be released newest first:
// the database before the tracer that instruments it, the tracer before the
// meter provider.
type resources struct {
	held []resource
}

type resource struct {
	name    string
	release func(context.Context) error
}

func (r *resources) acquired(name string, release func(context.Context) error) {
	r.held = append(r.held, resource{name: name, release: release})
}

// releaseAll releases every held resource. A failed release does not stop
// the rest; the failures are returned together.
func (r *resources) releaseAll(ctx context.Context, logger *logging.Logger) error {
	var errs error
	for i := len(r.held) - 1; i >= 0; i-- {
		res := r.held[i]
		start := time.Now()
		err := res.release(ctx)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "release %s", res.name))
		}
		if logger == nil {
			continue
		}
		if err != nil {
			logger.Warn("demo resource release failed",
				slog.String("resource", res.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Debug("demo resource released",
			slog.String("resource", res.name),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	r.held = nil
	return errs
}

// Shutdown releases everything Init acquired and reports release failures.
// Calls after the first return nil.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		held := a.resources
		a.resources = resources{}
		a.initialized = false
		a.stateMu.Unlock()

		err = held.releaseAll(ctx, a.logger)
	})
	return err
}
