package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/watch-progress/internal/platform/api"
	"github.com/example/watch-progress/internal/platform/auth"
	"github.com/example/watch-progress/internal/platform/events"
	"github.com/example/watch-progress/internal/platform/httpserver"
	"github.com/example/watch-progress/services/progress/internal/engine"
	"github.com/example/watch-progress/services/progress/internal/worker"
)

// FlushQueue accepts batches for asynchronous merging. *events.Publisher
// satisfies it.
type FlushQueue interface {
	Enabled() bool
	PublishSync(ctx context.Context, subject string, payload any) (string, error)
}

type Deps struct {
	Engine *engine.Engine
	Log    *zap.Logger
	// Queue, when enabled, turns POST /v1/progress/update into a 202 and
	// leaves the merge to the flush consumer.
	Queue         FlushQueue
	UpdateTimeout time.Duration
}

type updateResponse struct {
	ProgressPercent float64 `json:"progressPercent"`
}

type listResponse struct {
	Items []engine.View `json:"items"`
	Limit int           `json:"limit"`
}

// Mount registers the progress routes on r. Every route requires a user.
func Mount(r chi.Router, verifier auth.JWTVerifier, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r.Route("/v1/progress", func(r chi.Router) {
		r.Use(auth.RequireUser(verifier, httpserver.RequestIDFromContext))
		r.Get("/", ListProgress(d))
		r.Post("/update", UpdateProgress(d))
		r.Get("/{video_id}", GetProgress(d))
	})
}

func GetProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := userID(w, r, rid)
		if !ok {
			return
		}
		rec, err := d.Engine.GetProgress(r.Context(), uid, chi.URLParam(r, "video_id"))
		if err != nil {
			writeEngineError(w, d.Log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, engine.NewView(rec))
	}
}

func UpdateProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := userID(w, r, rid)
		if !ok {
			return
		}

		var req engine.UpdateRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		u, err := req.Update()
		if err != nil {
			writeEngineError(w, d.Log, rid, err)
			return
		}

		ctx := r.Context()
		if d.UpdateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.UpdateTimeout)
			defer cancel()
		}

		// If JetStream is configured and async writes enabled, publish event and return 202.
		if d.Queue != nil && d.Queue.Enabled() {
			if err := d.Engine.Validate(uid, u); err != nil {
				writeEngineError(w, d.Log, rid, err)
				return
			}
			eventID, err := d.Queue.PublishSync(ctx, events.SubjectProgressFlush, worker.FlushMessage{
				UserID:    uid,
				RequestID: rid,
				QueuedAt:  time.Now().UTC(),
				Update:    req,
			})
			if err != nil {
				d.Log.Warn("flush publish failed", zap.String("request_id", rid), zap.Error(err))
				api.Unavailable(w, api.CodePublishFailed, "failed to queue progress update", rid, time.Second)
				return
			}
			w.Header().Set("X-Event-ID", eventID)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		res, err := d.Engine.ApplyUpdate(ctx, uid, u)
		if err != nil {
			writeEngineError(w, d.Log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updateResponse{ProgressPercent: res.ProgressPercent})
	}
}

func ListProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := userID(w, r, rid)
		if !ok {
			return
		}

		limit := 25
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < 1 {
					n = 1
				}
				if n > 100 {
					n = 100
				}
				limit = n
			}
		}

		recs, err := d.Engine.ListProgress(r.Context(), uid, limit)
		if err != nil {
			writeEngineError(w, d.Log, rid, err)
			return
		}
		out := listResponse{Items: make([]engine.View, 0, len(recs)), Limit: limit}
		for _, rec := range recs {
			out.Items = append(out.Items, engine.NewView(rec))
		}
		api.WriteJSON(w, http.StatusOK, out)
	}
}

func userID(w http.ResponseWriter, r *http.Request, rid string) (string, bool) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok || strings.TrimSpace(uid) == "" {
		api.Unauthorized(w, api.CodeAuthMissing, "Missing auth", rid)
		return "", false
	}
	return uid, true
}

func writeEngineError(w http.ResponseWriter, log *zap.Logger, rid string, err error) {
	var ve *engine.ValidationError
	var details map[string]any
	if errors.As(err, &ve) {
		details = map[string]any{ve.Field: ve.Reason}
	}

	switch {
	case errors.Is(err, engine.ErrInvalidDuration):
		api.BadRequest(w, api.CodeInvalidDuration, "Invalid video duration", rid, details)
	case errors.Is(err, engine.ErrInvalidRequest):
		api.BadRequest(w, api.CodeInvalidRequest, "Invalid request", rid, details)
	case errors.Is(err, engine.ErrUnauthorized):
		api.Unauthorized(w, api.CodeAuthMissing, "Missing auth", rid)
	case errors.Is(err, engine.ErrUnknownVideo):
		api.NotFound(w, api.CodeVideoNotFound, "Video not found", rid)
	case engine.Retryable(err):
		log.Warn("progress storage unavailable", zap.String("request_id", rid), zap.Error(err))
		api.Unavailable(w, api.CodeStorageUnavailable, "Progress storage unavailable, retry later", rid, time.Second)
	default:
		log.Error("progress request failed", zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}
