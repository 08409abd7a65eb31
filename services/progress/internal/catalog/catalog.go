// Package catalog resolves video keys to their canonical metadata. The merge
// engine uses it for existence checks and as the authoritative duration.
package catalog

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("video not found")

// Video is the catalog view of one video. Duration is in whole seconds; zero
// means the catalog does not know it.
type Video struct {
	Key      string `json:"videoId"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

type Catalog interface {
	Lookup(ctx context.Context, videoKey string) (Video, error)
}

// Memory is a static in-process catalog.
type Memory struct {
	mu     sync.RWMutex
	videos map[string]Video
}

func NewMemory(videos ...Video) *Memory {
	m := &Memory{videos: make(map[string]Video, len(videos))}
	for _, v := range videos {
		m.videos[v.Key] = v
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, videoKey string) (Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoKey]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

// Upsert stores v. An already known positive duration is kept.
func (m *Memory) Upsert(_ context.Context, v Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.videos[v.Key]; ok && cur.Duration > 0 {
		v.Duration = cur.Duration
	}
	m.videos[v.Key] = v
	return nil
}
