package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/example/watch-progress/internal/platform/auth"
	"github.com/example/watch-progress/internal/platform/httpserver"
	"github.com/example/watch-progress/internal/platform/run"
	"github.com/example/watch-progress/services/progress/internal/grpcapi"
	"github.com/example/watch-progress/services/progress/internal/handlers"
	"github.com/example/watch-progress/services/progress/internal/worker"
)

const grpcStopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs and the flush consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireAuth(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log, true)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.serveTasks()
			if err != nil {
				return err
			}
			if code := run.New(log).WithSignals(cmd.Context(), tasks...); code != 0 {
				return errors.New("progress service stopped with errors")
			}
			return nil
		},
	}
}

func (a *app) serveTasks() ([]run.Task, error) {
	httpLis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		_ = httpLis.Close()
		return nil, fmt.Errorf("listen grpc: %w", err)
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: a.ready, Logger: a.log.Named("http")})
	deps := handlers.Deps{
		Engine:        a.engine,
		Log:           a.log.Named("handlers"),
		UpdateTimeout: a.cfg.Progress.UpdateTimeout,
	}
	if a.cfg.Progress.Async {
		deps.Queue = a.events
	}
	handlers.Mount(r, auth.JWTVerifier{Secret: []byte(a.cfg.Auth.Secret), Issuer: a.cfg.Auth.Issuer}, deps)
	srv := httpserver.New(httpserver.Options{Addr: a.cfg.HTTP.Addr, Logger: a.log.Named("http"), Handler: r})

	grpcSrv := grpc.NewServer()
	grpcapi.Register(grpcSrv, &grpcapi.ProgressService{
		Engine:        a.engine,
		Log:           a.log.Named("grpc"),
		UpdateTimeout: a.cfg.Progress.UpdateTimeout,
	})
	reflection.Register(grpcSrv)

	tasks := []run.Task{
		{Name: "http", Run: func(ctx context.Context) error {
			a.log.Info("http server starting", zap.String("addr", a.cfg.HTTP.Addr))
			return srv.Run(ctx, httpLis)
		}},
		{Name: "grpc", Run: func(ctx context.Context) error {
			a.log.Info("grpc server starting", zap.String("addr", a.cfg.GRPC.Addr))
			return serveGRPC(ctx, grpcSrv, grpcLis)
		}},
	}

	if a.js != nil {
		if err := worker.EnsureStream(a.js); err != nil {
			return nil, err
		}
		if a.cfg.Worker.Enabled {
			c := worker.NewConsumer(a.js, a.engine, a.log, worker.Options{
				BatchSize: a.cfg.Worker.BatchSize,
				Timeout:   a.cfg.Progress.UpdateTimeout,
			})
			tasks = append(tasks, run.Task{Name: "flush_consumer", Run: c.Run})
		}
	}
	if a.cfg.Progress.Async && !a.cfg.Worker.Enabled {
		a.log.Warn("async updates are queued but this process runs no flush consumer")
	}
	return tasks, nil
}

func serveGRPC(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grpcStopTimeout):
			srv.Stop()
		}
	}()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
