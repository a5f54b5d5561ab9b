package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/rocker/api/schemas"
)

func TestFlaggedEntryOutranksUnflagged(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "/feed", "post button", "#learned", schemas.EntryMetadata{Kind: schemas.KindButton}))
	sel, ok, err := m.Lookup(ctx, "/feed", "Post  Button")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#learned", sel)

	require.NoError(t, m.Upsert(ctx, "/feed", "post button", "#taught", schemas.EntryMetadata{Kind: schemas.KindButton, Flagged: true}))
	// A later automatic write must not displace the taught selector.
	require.NoError(t, m.Upsert(ctx, "/feed", "post button", "#learned-again", schemas.EntryMetadata{Kind: schemas.KindButton}))

	sel, ok, err = m.Lookup(ctx, "/feed", "post button")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#taught", sel)
	assert.Equal(t, 2, m.Len())
}

func TestLookupIsScopedByRoute(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "/feed", "search", "#s", schemas.EntryMetadata{Flagged: true}))

	_, ok, err := m.Lookup(ctx, "/marketplace", "search")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReteachIsLastWriteWins(t *testing.T) {
	m := New()
	ctx := context.Background()
	md := schemas.EntryMetadata{Flagged: true}
	require.NoError(t, m.Upsert(ctx, "/", "composer", "#a", md))
	require.NoError(t, m.Upsert(ctx, "/", "composer", "#b", md))

	sel, _, _ := m.Lookup(ctx, "/", "composer")
	assert.Equal(t, "#b", sel)
	assert.Equal(t, 1, m.Len())
}

func TestListOrdersFlaggedFirst(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "/", "b", "#b", schemas.EntryMetadata{}))
	require.NoError(t, m.Upsert(ctx, "/", "c", "#c", schemas.EntryMetadata{Flagged: true}))
	require.NoError(t, m.Upsert(ctx, "/", "a", "#a", schemas.EntryMetadata{}))
	require.NoError(t, m.Upsert(ctx, "/other", "z", "#z", schemas.EntryMetadata{}))

	entries, err := m.List(ctx, "/")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
	assert.False(t, entries[0].UpdatedAt.IsZero())
}

func TestConcurrentTeach(t *testing.T) {
	m := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Upsert(ctx, "/", "composer", fmt.Sprintf("#c%d", i), schemas.EntryMetadata{Flagged: true})
			_, _, _ = m.Lookup(ctx, "/", "composer")
		}(i)
	}
	wg.Wait()

	sel, ok, err := m.Lookup(ctx, "/", "composer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Regexp(t, `^#c\d+$`, sel)
}
