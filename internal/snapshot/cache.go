package snapshot

import (
	"context"
	"fmt"
	"sync"

	"verity/internal/observation/models"
	"verity/pkg/platform/sentinel"
)

// Cache stores computed snapshots keyed by subject and schema. Entries are
// derived data: a lost or evicted entry only costs the next reader a replay.
//
// The schema pair is part of the key because the same subject reduces
// differently under different policy versions; a version bump must never
// serve a stale shape.
type Cache interface {
	// Get returns the cached snapshot or sentinel.ErrNotFound on a miss.
	Get(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string) (*Snapshot, error)

	Set(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string, snap *Snapshot) error

	// Invalidate drops every cached entry for the subject, all schema
	// versions included.
	Invalidate(ctx context.Context, subject models.SubjectKey) error
}

func cacheField(schemaType, schemaVersion string) string {
	return schemaType + ":" + schemaVersion
}

// InMemoryCache is the process-local cache used in tests and single-node
// deployments without redis.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Snapshot
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]map[string]*Snapshot)}
}

func (c *InMemoryCache) Get(_ context.Context, subject models.SubjectKey, schemaType, schemaVersion string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bySchema, ok := c.entries[subject.String()]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", subject, sentinel.ErrNotFound)
	}
	snap, ok := bySchema[cacheField(schemaType, schemaVersion)]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", subject, sentinel.ErrNotFound)
	}
	cloned := *snap
	return &cloned, nil
}

func (c *InMemoryCache) Set(_ context.Context, subject models.SubjectKey, schemaType, schemaVersion string, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subject.String()
	if c.entries[key] == nil {
		c.entries[key] = make(map[string]*Snapshot)
	}
	cloned := *snap
	c.entries[key][cacheField(schemaType, schemaVersion)] = &cloned
	return nil
}

func (c *InMemoryCache) Invalidate(_ context.Context, subject models.SubjectKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subject.String())
	return nil
}

// NoopCache disables caching; every read replays the log.
type NoopCache struct{}

func (NoopCache) Get(_ context.Context, subject models.SubjectKey, _, _ string) (*Snapshot, error) {
	return nil, fmt.Errorf("snapshot %s: %w", subject, sentinel.ErrNotFound)
}

func (NoopCache) Set(context.Context, models.SubjectKey, string, string, *Snapshot) error {
	return nil
}

func (NoopCache) Invalidate(context.Context, models.SubjectKey) error { return nil }
