// Package prefs persists the two session preference flags that must survive
// a reload: always-listening mode and a previously granted microphone.
// Nothing else belongs in local storage.
package prefs

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Keys recognized in the key-value store.
const (
	KeyAlwaysListening = "rocker.always_listening"
	KeyVoiceAuthorized = "rocker.voice_authorized"
)

// Preferences is the typed view over the stored flags.
type Preferences struct {
	AlwaysListening bool `json:"always_listening"`
	VoiceAuthorized bool `json:"voice_authorized"`
}

// KV is the local key-value port.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Store reads and writes Preferences through a KV.
type Store struct {
	kv     KV
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore wraps kv.
func NewStore(kv KV, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger.Named("prefs")}
}

// Load reads the current preferences. Missing or unreadable flags are false.
func (s *Store) Load(ctx context.Context) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (Preferences, error) {
	var p Preferences
	var err error
	if p.AlwaysListening, err = s.flag(ctx, KeyAlwaysListening); err != nil {
		return Preferences{}, err
	}
	if p.VoiceAuthorized, err = s.flag(ctx, KeyVoiceAuthorized); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

// Update applies fn to the stored preferences and writes them back.
func (s *Store) Update(ctx context.Context, fn func(*Preferences)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(ctx)
	if err != nil {
		return err
	}
	fn(&p)
	if err := s.kv.Set(ctx, KeyAlwaysListening, strconv.FormatBool(p.AlwaysListening)); err != nil {
		return fmt.Errorf("failed to store %s: %w", KeyAlwaysListening, err)
	}
	if err := s.kv.Set(ctx, KeyVoiceAuthorized, strconv.FormatBool(p.VoiceAuthorized)); err != nil {
		return fmt.Errorf("failed to store %s: %w", KeyVoiceAuthorized, err)
	}
	return nil
}

// Close releases the underlying KV.
func (s *Store) Close() error { return s.kv.Close() }

func (s *Store) flag(ctx context.Context, key string) (bool, error) {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn("Ignoring malformed preference value.", zap.String("key", key), zap.String("value", raw))
		return false, nil
	}
	return b, nil
}

// MemoryKV is a process-local KV.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV { return &MemoryKV{m: make(map[string]string)} }

func (k *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *MemoryKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *MemoryKV) Close() error { return nil }
