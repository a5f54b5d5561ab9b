package prefs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestStoreRoundTripThroughSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "prefs.db")

	kv, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	s := NewStore(kv, zaptest.NewLogger(t))

	p, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Preferences{}, p, "fresh stores default to false")

	require.NoError(t, s.Update(ctx, func(p *Preferences) { p.AlwaysListening = true }))
	require.NoError(t, s.Update(ctx, func(p *Preferences) { p.VoiceAuthorized = true }))
	require.NoError(t, s.Close())

	// Survives a reopen, as it must survive a reload.
	kv, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer kv.Close()
	p, err = NewStore(kv, zaptest.NewLogger(t)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Preferences{AlwaysListening: true, VoiceAuthorized: true}, p)
}

func TestSQLiteInMemory(t *testing.T) {
	ctx := context.Background()
	kv, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer kv.Close()

	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, "k", "1"))
	require.NoError(t, kv.Set(ctx, "k", "2"))
	v, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", v)
}

func TestMalformedValueIsIgnored(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, KeyAlwaysListening, "yes please"))
	require.NoError(t, kv.Set(ctx, KeyVoiceAuthorized, "true"))

	core, logs := observer.New(zap.WarnLevel)
	p, err := NewStore(kv, zap.New(core)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Preferences{VoiceAuthorized: true}, p)
	assert.Equal(t, 1, logs.FilterField(zap.String("key", KeyAlwaysListening)).Len())
}

type brokenKV struct{ MemoryKV }

func (*brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk I/O error")
}

func TestLoadSurfacesKVErrors(t *testing.T) {
	s := NewStore(&brokenKV{}, zaptest.NewLogger(t))
	_, err := s.Load(context.Background())
	assert.ErrorContains(t, err, KeyAlwaysListening)
	assert.Error(t, s.Update(context.Background(), func(*Preferences) {}))
}
