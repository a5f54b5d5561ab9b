// Package memory holds the in-process selector memory used when no durable
// store is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/rocker/api/schemas"
)

type key struct {
	route   string
	name    string
	flagged bool
}

// Memory is a concurrency safe (route, name) -> selector map. Flagged and
// unflagged entries for the same name live side by side; Lookup always
// prefers the flagged one.
type Memory struct {
	mu      sync.RWMutex
	entries map[key]schemas.SelectorMemoryEntry
	now     func() time.Time
}

var _ schemas.SelectorMemory = (*Memory)(nil)

// New returns an empty Memory.
func New() *Memory {
	return &Memory{entries: make(map[key]schemas.SelectorMemoryEntry), now: time.Now}
}

// Upsert implements schemas.SelectorMemory. Last write wins per key.
func (m *Memory) Upsert(_ context.Context, route, name, selector string, md schemas.EntryMetadata) error {
	k := key{route: route, name: schemas.NormalizeName(name), flagged: md.Flagged}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[k] = schemas.SelectorMemoryEntry{
		Route:     route,
		Name:      k.name,
		Selector:  selector,
		Metadata:  md,
		UpdatedAt: m.now().UTC(),
	}
	return nil
}

// Lookup implements schemas.SelectorMemory.
func (m *Memory) Lookup(_ context.Context, route, name string) (string, bool, error) {
	n := schemas.NormalizeName(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[key{route, n, true}]; ok {
		return e.Selector, true, nil
	}
	if e, ok := m.entries[key{route, n, false}]; ok {
		return e.Selector, true, nil
	}
	return "", false, nil
}

// List implements schemas.SelectorMemory.
func (m *Memory) List(_ context.Context, route string) ([]schemas.SelectorMemoryEntry, error) {
	m.mu.RLock()
	out := make([]schemas.SelectorMemoryEntry, 0)
	for k, e := range m.entries {
		if k.route == route {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.Flagged != out[j].Metadata.Flagged {
			return out[i].Metadata.Flagged
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
