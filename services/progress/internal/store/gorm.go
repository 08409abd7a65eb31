package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/watch-progress/services/progress/internal/interval"
)

// intervalsColumn stores an interval set as JSON text.
type intervalsColumn interval.Set

func (c intervalsColumn) Value() (driver.Value, error) {
	b, err := encodeIntervals(interval.Set(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *intervalsColumn) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan intervals: unsupported type %T", src)
	}
	s, err := decodeIntervals(raw)
	if err != nil {
		return err
	}
	*c = intervalsColumn(s)
	return nil
}

type progressRow struct {
	UserKey          string          `gorm:"primaryKey;size:191"`
	VideoKey         string          `gorm:"primaryKey;size:191"`
	VideoDuration    int             `gorm:"not null"`
	WatchedIntervals intervalsColumn `gorm:"type:text;not null"`
	LastPosition     float64         `gorm:"not null"`
	ProgressPercent  float64         `gorm:"not null"`
	Version          int64           `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`
}

func (progressRow) TableName() string { return "video_progress" }

func (r progressRow) record() Record {
	return Record{
		UserKey:          r.UserKey,
		VideoKey:         r.VideoKey,
		VideoDuration:    r.VideoDuration,
		WatchedIntervals: cloneSet(interval.Set(r.WatchedIntervals)),
		LastPosition:     r.LastPosition,
		ProgressPercent:  r.ProgressPercent,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// GormStore persists progress through GORM. It backs single-node sqlite
// deployments and works against any dialect with ON CONFLICT support.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the progress table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&progressRow{})
}

func (s *GormStore) Load(ctx context.Context, key Key) (Record, error) {
	var row progressRow
	err := s.db.WithContext(ctx).
		Where("user_key = ? AND video_key = ?", key.UserKey, key.VideoKey).
		Take(&row).Error
	if err != nil {
		return Record{}, mapGormError(err)
	}
	return row.record(), nil
}

func (s *GormStore) Create(ctx context.Context, rec Record) (Record, error) {
	now := time.Now().UTC()
	row := progressRow{
		UserKey:          rec.UserKey,
		VideoKey:         rec.VideoKey,
		VideoDuration:    rec.VideoDuration,
		WatchedIntervals: intervalsColumn(cloneSet(rec.WatchedIntervals)),
		LastPosition:     rec.LastPosition,
		ProgressPercent:  rec.ProgressPercent,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return Record{}, mapGormError(res.Error)
	}
	if res.RowsAffected == 0 {
		return Record{}, ErrConflict
	}
	return row.record(), nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, rec Record, expected int64) (Record, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&progressRow{}).
		Where("user_key = ? AND video_key = ? AND version = ?", rec.UserKey, rec.VideoKey, expected).
		Updates(map[string]any{
			"video_duration":    rec.VideoDuration,
			"watched_intervals": intervalsColumn(cloneSet(rec.WatchedIntervals)),
			"last_position":     rec.LastPosition,
			"progress_percent":  rec.ProgressPercent,
			"version":           gorm.Expr("version + 1"),
			"updated_at":        now,
		})
	if res.Error != nil {
		return Record{}, mapGormError(res.Error)
	}
	if res.RowsAffected == 0 {
		return Record{}, ErrConflict
	}
	out := copyRecord(rec)
	out.Version = expected + 1
	out.UpdatedAt = now
	return out, nil
}

func (s *GormStore) ListByUser(ctx context.Context, userKey string, limit int) ([]Record, error) {
	var rows []progressRow
	err := s.db.WithContext(ctx).
		Where("user_key = ?", userKey).
		Order("updated_at DESC").Order("video_key DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapGormError(err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func mapGormError(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
