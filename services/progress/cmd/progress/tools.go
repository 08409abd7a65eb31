package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/watch-progress/internal/platform/db"
	"github.com/example/watch-progress/services/progress/internal/catalog"
	"github.com/example/watch-progress/services/progress/internal/config"
	"github.com/example/watch-progress/services/progress/internal/grpcclient"
	"github.com/example/watch-progress/services/progress/internal/replay"
	"github.com/example/watch-progress/services/progress/internal/tracker"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			switch cfg.Store.Backend {
			case config.BackendPostgres, config.BackendGormPostgres:
			default:
				return fmt.Errorf("migrate needs a postgres store, got %q", cfg.Store.Backend)
			}
			if err := db.Migrate(cfg.Store.DatabaseURL); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newReplayCmd() *cobra.Command {
	var videoID, userID, grpcAddr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "replay <samples.jsonl>",
		Short: "Replay a recorded playback session through the tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(videoID) == "" || strings.TrimSpace(userID) == "" {
				return errors.New("--video and --user are required")
			}
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				flusher tracker.Flusher
				resume  func(context.Context) (tracker.Progress, error)
			)
			if grpcAddr != "" {
				conn, err := grpcclient.Dial(grpcAddr)
				if err != nil {
					return err
				}
				defer func() { _ = conn.Close() }()
				c := grpcclient.New(conn, userID)
				flusher = c
				resume = func(ctx context.Context) (tracker.Progress, error) { return c.Resume(ctx, videoID) }
			} else {
				a, err := newApp(ctx, cfg, log, false)
				if err != nil {
					return err
				}
				defer a.Close()
				flusher = replay.LocalFlusher(a.engine, userID)
				resume = func(ctx context.Context) (tracker.Progress, error) {
					rec, err := a.engine.GetProgress(ctx, userID, videoID)
					if err != nil {
						return tracker.Progress{}, err
					}
					return tracker.Progress{
						WatchedIntervals: rec.WatchedIntervals,
						LastPosition:     rec.LastPosition,
						ProgressPercent:  rec.ProgressPercent,
						VideoDuration:    rec.VideoDuration,
					}, nil
				}
			}

			tr := tracker.New(videoID, flusher, log.Named("tracker"))
			p, err := resume(ctx)
			if err != nil {
				return fmt.Errorf("load stored progress: %w", err)
			}
			before := tr.Hydrate(p)

			st, err := replay.Run(ctx, in, tr, log.Named("replay"))
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "samples=%d flushes=%d failed=%d progress=%.2f%% (was %.2f%%)\n",
				st.Samples, st.Flushes, st.FailedFlushes, st.FinalPercent, before)
			return err
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "video id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "replay against a running service instead of the local store")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog-import <videos.jsonl>",
		Short: "Upsert catalog videos from a JSON-lines file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Progress.CatalogEnabled {
				return errors.New("catalog-import needs CATALOG_ENABLED=true")
			}
			a, err := newApp(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := importVideos(cmd.Context(), in, a.catalog)
			log.Info("catalog import finished", zap.Int("videos", n), zap.Error(err))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d videos\n", n)
			return nil
		},
	}
}

type videoUpserter interface {
	Upsert(ctx context.Context, v catalog.Video) error
}

// importVideos upserts one catalog.Video per non-empty line of r.
func importVideos(ctx context.Context, r io.Reader, dst videoUpserter) (int, error) {
	sc := bufio.NewScanner(r)
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var v catalog.Video
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(v.Key) == "" {
			return n, fmt.Errorf("line %d: videoId is required", line)
		}
		if v.Duration < 0 {
			return n, fmt.Errorf("line %d: negative duration", line)
		}
		if err := dst.Upsert(ctx, v); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
