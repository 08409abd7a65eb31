// Package grpcapi exposes the progress engine as progress.v1.ProgressService.
// Messages are JSON encoded, see internal/platform/grpcjson.
package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/example/watch-progress/internal/platform/grpcjson"
	"github.com/example/watch-progress/services/progress/internal/engine"
)

const (
	ServiceName = "progress.v1.ProgressService"

	MethodGetProgress    = "/" + ServiceName + "/GetProgress"
	MethodUpdateProgress = "/" + ServiceName + "/UpdateProgress"
)

type GetProgressRequest struct {
	UserID  string `json:"userId"`
	VideoID string `json:"videoId"`
}

type UpdateProgressRequest struct {
	UserID string `json:"userId"`
	engine.UpdateRequest
}

type UpdateProgressResponse struct {
	ProgressPercent float64 `json:"progressPercent"`
}

// ProgressServer is implemented by ProgressService.
type ProgressServer interface {
	GetProgress(ctx context.Context, req *GetProgressRequest) (*engine.View, error)
	UpdateProgress(ctx context.Context, req *UpdateProgressRequest) (*UpdateProgressResponse, error)
}

type ProgressService struct {
	Engine *engine.Engine
	Log    *zap.Logger
	// UpdateTimeout bounds a single UpdateProgress call; zero means no
	// extra deadline beyond the caller's.
	UpdateTimeout time.Duration
}

func (s *ProgressService) GetProgress(ctx context.Context, req *GetProgressRequest) (*engine.View, error) {
	rec, err := s.Engine.GetProgress(ctx, req.UserID, req.VideoID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	v := engine.NewView(rec)
	return &v, nil
}

func (s *ProgressService) UpdateProgress(ctx context.Context, req *UpdateProgressRequest) (*UpdateProgressResponse, error) {
	u, err := req.UpdateRequest.Update()
	if err != nil {
		return nil, s.toStatus(err)
	}
	if s.UpdateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.UpdateTimeout)
		defer cancel()
	}
	res, err := s.Engine.ApplyUpdate(ctx, req.UserID, u)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &UpdateProgressResponse{ProgressPercent: res.ProgressPercent}, nil
}

// Register attaches srv to s under ServiceName.
func Register(s grpc.ServiceRegistrar, srv ProgressServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProgressServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetProgress", Handler: getProgressHandler},
		{MethodName: "UpdateProgress", Handler: updateProgressHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "progress/v1/progress.proto",
}

func getProgressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetProgressRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProgressServer).GetProgress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetProgress}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProgressServer).GetProgress(ctx, req.(*GetProgressRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateProgressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateProgressRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProgressServer).UpdateProgress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodUpdateProgress}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProgressServer).UpdateProgress(ctx, req.(*UpdateProgressRequest))
	}
	return interceptor(ctx, in, info, handler)
}
