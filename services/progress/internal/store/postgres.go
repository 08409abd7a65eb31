package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/watch-progress/services/progress/internal/interval"
)

// PostgresStore is the production Postgres-backed implementation.
// Uniqueness of (user_key, video_key) is the table's primary key.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, key Key) (Record, error) {
	const q = `
SELECT video_duration, watched_intervals, last_position, progress_percent, version, created_at, updated_at
FROM video_progress WHERE user_key = $1 AND video_key = $2`

	out := Record{UserKey: key.UserKey, VideoKey: key.VideoKey}
	var raw []byte
	err := s.db.QueryRow(ctx, q, key.UserKey, key.VideoKey).Scan(
		&out.VideoDuration, &raw, &out.LastPosition, &out.ProgressPercent,
		&out.Version, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, mapPgError(err)
	}
	if out.WatchedIntervals, err = decodeIntervals(raw); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (Record, error) {
	const q = `
INSERT INTO video_progress (user_key, video_key, video_duration, watched_intervals, last_position, progress_percent, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, now(), now())
ON CONFLICT (user_key, video_key) DO NOTHING
RETURNING version, created_at, updated_at`

	raw, err := encodeIntervals(rec.WatchedIntervals)
	if err != nil {
		return Record{}, err
	}
	out := copyRecord(rec)
	err = s.db.QueryRow(ctx, q,
		rec.UserKey, rec.VideoKey, rec.VideoDuration, raw, rec.LastPosition, rec.ProgressPercent,
	).Scan(&out.Version, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		// DO NOTHING returns no row when a concurrent writer created it first.
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, mapPgError(err)
	}
	return out, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec Record, expected int64) (Record, error) {
	const q = `
UPDATE video_progress SET
  video_duration    = $3,
  watched_intervals = $4,
  last_position     = $5,
  progress_percent  = $6,
  version           = version + 1,
  updated_at        = now()
WHERE user_key = $1 AND video_key = $2 AND version = $7
RETURNING version, created_at, updated_at`

	raw, err := encodeIntervals(rec.WatchedIntervals)
	if err != nil {
		return Record{}, err
	}
	out := copyRecord(rec)
	err = s.db.QueryRow(ctx, q,
		rec.UserKey, rec.VideoKey, rec.VideoDuration, raw, rec.LastPosition, rec.ProgressPercent, expected,
	).Scan(&out.Version, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, mapPgError(err)
	}
	return out, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userKey string, limit int) ([]Record, error) {
	const q = `
SELECT video_key, video_duration, watched_intervals, last_position, progress_percent, version, created_at, updated_at
FROM video_progress WHERE user_key = $1
ORDER BY updated_at DESC, video_key DESC LIMIT $2`

	rows, err := s.db.Query(ctx, q, userKey, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec := Record{UserKey: userKey}
		var raw []byte
		if err := rows.Scan(&rec.VideoKey, &rec.VideoDuration, &raw, &rec.LastPosition,
			&rec.ProgressPercent, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, mapPgError(err)
		}
		if rec.WatchedIntervals, err = decodeIntervals(raw); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

// mapPgError keeps context errors intact, turns unique and serialization
// failures into ErrConflict and everything else into ErrUnavailable.
func mapPgError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001":
			return ErrConflict
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func encodeIntervals(s interval.Set) ([]byte, error) {
	if s == nil {
		s = interval.Set{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode intervals: %w", err)
	}
	return b, nil
}

func decodeIntervals(raw []byte) (interval.Set, error) {
	out := interval.Set{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode intervals: %w", err)
	}
	return out, nil
}
