package grpcapi

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/watch-progress/services/progress/internal/engine"
)

const errorDomain = "progress"

// Reasons carried in errdetails.ErrorInfo. The HTTP API uses the same codes.
const (
	ReasonInvalidRequest     = "INVALID_REQUEST"
	ReasonInvalidDuration    = "INVALID_DURATION"
	ReasonUnauthenticated    = "UNAUTHENTICATED"
	ReasonVideoNotFound      = "VIDEO_NOT_FOUND"
	ReasonStorageUnavailable = "STORAGE_UNAVAILABLE"
	ReasonInternal           = "INTERNAL"
)

func (s *ProgressService) toStatus(err error) error {
	var ve *engine.ValidationError
	switch {
	case errors.Is(err, engine.ErrInvalidDuration) && errors.As(err, &ve):
		return errInvalidArgument(ReasonInvalidDuration, "invalid video duration", map[string]string{ve.Field: ve.Reason})
	case errors.Is(err, engine.ErrInvalidRequest) && errors.As(err, &ve):
		return errInvalidArgument(ReasonInvalidRequest, "invalid request", map[string]string{ve.Field: ve.Reason})
	case errors.Is(err, engine.ErrInvalidRequest):
		return errInvalidArgument(ReasonInvalidRequest, "invalid request", nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return withInfo(codes.Unauthenticated, ReasonUnauthenticated, "missing user")
	case errors.Is(err, engine.ErrUnknownVideo):
		return withInfo(codes.NotFound, ReasonVideoNotFound, "video not found")
	case errors.Is(err, engine.ErrStorageUnavailable):
		s.log().Warn("progress storage unavailable", zap.Error(err))
		return withInfo(codes.Unavailable, ReasonStorageUnavailable, "progress storage unavailable, retry later")
	default:
		s.log().Error("progress request failed", zap.Error(err))
		return withInfo(codes.Internal, ReasonInternal, "internal error")
	}
}

func (s *ProgressService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func errInvalidArgument(reason, msg string, fieldViolations map[string]string) error {
	st := status.New(codes.InvalidArgument, msg)
	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}

	bad := &errdetails.BadRequest{}
	for field, desc := range fieldViolations {
		bad.FieldViolations = append(bad.FieldViolations, &errdetails.BadRequest_FieldViolation{Field: field, Description: desc})
	}

	st2, err := st.WithDetails(info, bad)
	if err != nil {
		return st.Err()
	}
	return st2.Err()
}

func withInfo(code codes.Code, reason, msg string) error {
	st := status.New(code, msg)
	st2, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain})
	if err != nil {
		return st.Err()
	}
	return st2.Err()
}

// FromStatus turns a status error returned by ProgressService back into the
// matching engine error, so callers can classify it with errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	reason := ""
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			reason = info.GetReason()
		}
	}

	var sentinel error
	switch {
	case reason == ReasonInvalidDuration:
		sentinel = engine.ErrInvalidDuration
	case st.Code() == codes.InvalidArgument:
		sentinel = engine.ErrInvalidRequest
	case st.Code() == codes.Unauthenticated:
		sentinel = engine.ErrUnauthorized
	case st.Code() == codes.NotFound:
		sentinel = engine.ErrUnknownVideo
	case st.Code() == codes.Unavailable, st.Code() == codes.DeadlineExceeded:
		sentinel = engine.ErrStorageUnavailable
	default:
		return err
	}
	return errors.Join(sentinel, err)
}
