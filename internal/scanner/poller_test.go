package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPollerOnlyScansWhileVisible(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	p := NewPoller(s, 10*time.Millisecond, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(40 * time.Millisecond)
	assert.Nil(t, p.Latest(), "hidden overlay never scans")

	updates, cancel := p.Subscribe()
	defer cancel()
	p.SetOverlayVisible(true)

	select {
	case caps := <-updates:
		assert.NotEmpty(t, caps)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after the overlay became visible")
	}
	assert.True(t, p.Visible())
	assert.NotEmpty(t, p.Latest())
}

func TestPollerImmediateScanOnShow(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	// A long interval proves the first snapshot comes from the wake-up.
	p := NewPoller(s, time.Hour, zaptest.NewLogger(t))
	p.Start(context.Background())
	defer p.Stop()

	updates, cancel := p.Subscribe()
	defer cancel()
	p.SetOverlayVisible(true)

	select {
	case caps := <-updates:
		assert.NotEmpty(t, caps)
	case <-time.After(time.Second):
		t.Fatal("showing the overlay did not trigger a scan")
	}
}

func TestPollerStopClosesSubscriptions(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	p := NewPoller(s, time.Hour, zaptest.NewLogger(t))
	p.Start(context.Background())

	updates, cancel := p.Subscribe()
	p.Stop()
	p.Stop()
	cancel()

	_, open := <-updates
	assert.False(t, open)
}

func TestPollerExitsWithContext(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	p := NewPoller(s, time.Hour, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "poller did not stop after context cancellation")
	}
}
