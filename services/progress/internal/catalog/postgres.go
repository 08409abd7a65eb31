package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads videos from the videos table.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Lookup(ctx context.Context, videoKey string) (Video, error) {
	const q = `SELECT video_key, title, url, duration FROM videos WHERE video_key = $1`
	var v Video
	err := p.db.QueryRow(ctx, q, videoKey).Scan(&v.Key, &v.Title, &v.URL, &v.Duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Video{}, ErrNotFound
		}
		return Video{}, fmt.Errorf("lookup video %s: %w", videoKey, err)
	}
	return v, nil
}

// Upsert inserts v or refreshes its title and url. Duration is only written
// on insert, or when the stored value is still unknown.
func (p *Postgres) Upsert(ctx context.Context, v Video) error {
	const q = `
INSERT INTO videos (video_key, title, url, duration, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (video_key) DO UPDATE SET
  title      = EXCLUDED.title,
  url        = EXCLUDED.url,
  duration   = CASE WHEN videos.duration = 0 THEN EXCLUDED.duration ELSE videos.duration END,
  updated_at = now()`
	if _, err := p.db.Exec(ctx, q, v.Key, v.Title, v.URL, v.Duration); err != nil {
		return fmt.Errorf("upsert video %s: %w", v.Key, err)
	}
	return nil
}
