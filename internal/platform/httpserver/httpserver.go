package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	HTTP *http.Server

	log             *zap.Logger
	shutdownTimeout time.Duration
}

type Options struct {
	Addr    string
	Logger  *zap.Logger
	Handler http.Handler
	// ShutdownTimeout bounds the graceful drain in Run. Default 10s.
	ShutdownTimeout time.Duration
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Handler == nil {
		opts.Handler = http.NotFoundHandler()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           opts.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{HTTP: srv, log: opts.Logger, shutdownTimeout: opts.ShutdownTimeout}
}

// Run serves on lis until ctx is cancelled, then drains in-flight requests.
// A nil lis listens on the configured address.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	if lis == nil {
		var err error
		if lis, err = net.Listen("tcp", s.HTTP.Addr); err != nil {
			return err
		}
	}
	s.log.Info("http server starting", zap.String("addr", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.HTTP.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	c, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.log.Info("http server draining")
	if err := s.HTTP.Shutdown(c); err != nil {
		return err
	}
	return nil
}
