// Package run supervises the long-running parts of a service process.
package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task runs until ctx is cancelled or it fails.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Runner struct {
	Logger *zap.Logger
}

func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Logger: log}
}

// WithSignals runs tasks until SIGINT/SIGTERM or until one of them fails,
// then cancels the rest and waits for them. It returns the process exit code.
func (r *Runner) WithSignals(ctx context.Context, tasks ...Task) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := r.Run(ctx, tasks...); err != nil {
		r.Logger.Error("service exited with error", zap.Error(err))
		return 1
	}
	return 0
}

// Run starts every task and returns the first error. A task returning nil,
// http.ErrServerClosed or the cancellation cause does not count as a failure.
func (r *Runner) Run(ctx context.Context, tasks ...Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			r.Logger.Info("task starting", zap.String("task", t.Name))
			err := t.Run(ctx)
			if err == nil || errors.Is(err, http.ErrServerClosed) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
				r.Logger.Info("task stopped", zap.String("task", t.Name))
				return nil
			}
			r.Logger.Error("task failed", zap.String("task", t.Name), zap.Error(err))
			return err
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		r.Logger.Info("shutdown signal received")
	}
	return err
}

func Exit(code int) {
	os.Exit(code)
}
