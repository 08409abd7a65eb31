// Package grpcclient talks to ProgressService and adapts it to the tracker.
package grpcclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/watch-progress/internal/platform/grpcjson"
	"github.com/example/watch-progress/services/progress/internal/engine"
	"github.com/example/watch-progress/services/progress/internal/grpcapi"
	"github.com/example/watch-progress/services/progress/internal/tracker"
)

type Client struct {
	conn   grpc.ClientConnInterface
	userID string
}

// Dial opens a plaintext connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcjson.Name)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("progress grpc dial %s: %w", addr, err)
	}
	return conn, nil
}

// New returns a client acting on behalf of userID.
func New(conn grpc.ClientConnInterface, userID string) *Client {
	return &Client{conn: conn, userID: userID}
}

func (c *Client) GetProgress(ctx context.Context, videoID string) (engine.View, error) {
	var out engine.View
	in := &grpcapi.GetProgressRequest{UserID: c.userID, VideoID: videoID}
	if err := c.conn.Invoke(ctx, grpcapi.MethodGetProgress, in, &out, grpc.CallContentSubtype(grpcjson.Name)); err != nil {
		return engine.View{}, grpcapi.FromStatus(err)
	}
	return out, nil
}

func (c *Client) UpdateProgress(ctx context.Context, req engine.UpdateRequest) (float64, error) {
	var out grpcapi.UpdateProgressResponse
	in := &grpcapi.UpdateProgressRequest{UserID: c.userID, UpdateRequest: req}
	if err := c.conn.Invoke(ctx, grpcapi.MethodUpdateProgress, in, &out, grpc.CallContentSubtype(grpcjson.Name)); err != nil {
		return 0, grpcapi.FromStatus(err)
	}
	return out.ProgressPercent, nil
}

// Flush implements tracker.Flusher.
func (c *Client) Flush(ctx context.Context, b tracker.Batch) (float64, error) {
	return c.UpdateProgress(ctx, engine.NewUpdateRequest(b.VideoKey, b.Intervals, b.LastPosition, b.Duration))
}

// Resume loads the stored progress of videoID in tracker form.
func (c *Client) Resume(ctx context.Context, videoID string) (tracker.Progress, error) {
	v, err := c.GetProgress(ctx, videoID)
	if err != nil {
		return tracker.Progress{}, err
	}
	return tracker.Progress{
		WatchedIntervals: v.WatchedIntervals,
		LastPosition:     v.LastPosition,
		ProgressPercent:  v.ProgressPercent,
		VideoDuration:    v.VideoDuration,
	}, nil
}

var _ tracker.Flusher = (*Client)(nil)
