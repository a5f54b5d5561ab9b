package schemas

import "context"

// -- Storage Interfaces --

// SelectorMemory is the persistent (route, name) -> selector store.
// Implementations normalize names and resolve a flagged entry before an
// unflagged one. Entries are never removed automatically.
//
//go:generate mockery --name SelectorMemory --output ../../internal/mocks --outpkg mocks --structname MockSelectorMemory
type SelectorMemory interface {
	// Upsert creates or replaces the entry for (route, name, metadata.Flagged).
	Upsert(ctx context.Context, route, name, selector string, metadata EntryMetadata) error
	// Lookup returns the highest ranked selector for (route, name).
	Lookup(ctx context.Context, route, name string) (selector string, found bool, err error)
	// List returns every entry for a route, flagged entries first.
	List(ctx context.Context, route string) ([]SelectorMemoryEntry, error)
}

// LearningStore persists learning signals and serves the success tallies
// used to bias fuzzy ranking.
type LearningStore interface {
	RecordSignals(ctx context.Context, signals []LearningSignal) error
	SuccessCounts(ctx context.Context, route string) (map[string]int, error)
}

// ConversationStore persists conversation history per session.
type ConversationStore interface {
	Append(ctx context.Context, msg Message) error
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
