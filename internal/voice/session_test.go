package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/prefs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- fakes --

type fakeChannel struct {
	mu     sync.Mutex
	calls  []string
	closed bool
}

func (c *fakeChannel) log(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeChannel) SetListening(_ context.Context, on bool) error {
	c.log("listen:%t", on)
	return nil
}

func (c *fakeChannel) Speak(_ context.Context, id, text string) error {
	c.log("speak:%s:%s", id, text)
	return nil
}

func (c *fakeChannel) Cancel(_ context.Context, id string) error {
	c.log("cancel:%s", id)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	gate     chan struct{}
	entered  chan struct{}
	err      error
	dials    atomic.Int32
	channels []*fakeChannel
	events   []Events
}

func (d *fakeDialer) Dial(ctx context.Context, _ Credential, ev Events) (Channel, error) {
	d.dials.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	d.events = append(d.events, ev)
	return ch, nil
}

func (d *fakeDialer) last() (*fakeChannel, Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1], d.events[len(d.events)-1]
}

type fakeIssuer struct {
	cred Credential
	err  error
}

func (i fakeIssuer) Issue(context.Context) (Credential, error) { return i.cred, i.err }

type fakePermission struct {
	state    PermissionState
	grant    bool
	prompted atomic.Int32
}

func (p *fakePermission) State(context.Context) (PermissionState, error) { return p.state, nil }

func (p *fakePermission) Request(context.Context) (bool, error) {
	p.prompted.Add(1)
	return p.grant, nil
}

type harness struct {
	session  *Session
	dialer   *fakeDialer
	perm     *fakePermission
	prefs    *prefs.Store
	mu       sync.Mutex
	said     []string
	statuses []Status
	failures []error
	interims []string
	reply    string
}

func newHarness(t *testing.T, mutate ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		perm:   &fakePermission{state: PermissionGranted},
		prefs:  prefs.NewStore(prefs.NewMemoryKV(), zaptest.NewLogger(t)),
	}
	issuer := fakeIssuer{cred: Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Minute)}}
	for _, m := range mutate {
		m(h)
	}
	hooks := Hooks{
		Utterance: func(_ context.Context, text string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.said = append(h.said, text)
		},
		Interim: func(text string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.interims = append(h.interims, text)
		},
		Status: func(st Status) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.statuses = append(h.statuses, st)
		},
		Failure: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.failures = append(h.failures, err)
		},
		LastReply: func() (string, bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.reply, h.reply != ""
		},
	}
	h.session = New(issuer, h.dialer, h.perm, h.prefs, hooks,
		config.VoiceConfig{WakePhrase: "hey rocker", RequestTimeout: time.Second}, zaptest.NewLogger(t))
	n := 0
	h.session.newID = func() string {
		n++
		return fmt.Sprintf("u%d", n)
	}
	return h
}

func (h *harness) utterances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.said...)
}

// -- tests --

func TestToggleVoiceModeConnectsAndDisconnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	assert.Equal(t, Connected, h.session.Status())
	ch, _ := h.dialer.last()
	assert.Equal(t, []string{"listen:true"}, ch.Calls())

	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	assert.Equal(t, Disconnected, h.session.Status())
	assert.True(t, ch.Closed())
	assert.Equal(t, []Status{Connecting, Connected, Disconnected}, h.statuses)
}

func TestRapidTogglesYieldOneConnection(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.dialer.gate = make(chan struct{})
		h.dialer.entered = make(chan struct{}, 1)
	})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- h.session.ToggleAlwaysListening(ctx) }()
	<-h.dialer.entered

	assert.Equal(t, Connecting, h.session.Status())
	require.NoError(t, h.session.ToggleAlwaysListening(ctx), "second toggle is a no-op")
	require.NoError(t, h.session.ToggleVoiceMode(ctx), "so is a voice mode toggle")

	close(h.dialer.gate)
	require.NoError(t, <-errc)
	assert.EqualValues(t, 1, h.dialer.dials.Load())
	assert.Equal(t, Connected, h.session.Status())
	h.session.Disconnect(ctx)
}

func TestDisconnectDuringConnectWins(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.dialer.gate = make(chan struct{})
		h.dialer.entered = make(chan struct{}, 1)
	})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- h.session.ToggleVoiceMode(ctx) }()
	<-h.dialer.entered
	h.session.Disconnect(ctx)
	close(h.dialer.gate)

	require.NoError(t, <-errc)
	assert.Equal(t, Disconnected, h.session.Status())
	ch, _ := h.dialer.last()
	assert.True(t, ch.Closed(), "the late channel is closed")
}

func TestPermissionIsCachedAfterGrant(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.perm.state = PermissionPrompt
		h.perm.grant = true
	})
	ctx := context.Background()

	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	h.session.Disconnect(ctx)
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	h.session.Disconnect(ctx)

	assert.EqualValues(t, 1, h.perm.prompted.Load(), "the user is only asked once")
	p, err := h.prefs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, p.VoiceAuthorized)
}

func TestConnectFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*harness)
		reason Reason
	}{
		{"denied", func(h *harness) { h.perm.state = PermissionDenied }, ReasonPermission},
		{"prompt refused", func(h *harness) { h.perm.state = PermissionPrompt }, ReasonPermission},
		{"dial error", func(h *harness) { h.dialer.err = errors.New("connection refused") }, ReasonNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mutate)
			err := h.session.ToggleVoiceMode(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.reason, ReasonOf(err))
			assert.Equal(t, Disconnected, h.session.Status())
		})
	}
}

func TestMissingCredential(t *testing.T) {
	h := newHarness(t)
	h.session.issuer = fakeIssuer{}
	err := h.session.ToggleAlwaysListening(context.Background())
	require.Error(t, err)
	assert.Equal(t, ReasonCredential, ReasonOf(err))
	assert.EqualValues(t, 0, h.dialer.dials.Load())

	p, err := h.prefs.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, p.AlwaysListening, "a failed start does not leave wake mode persisted")
}

func TestInterimOverwritesAndFinalClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	_, ev := h.dialer.last()

	ev.Transcript("open", false)
	ev.Transcript("open the", false)
	assert.Equal(t, "open the", h.session.Snapshot().Transcript)

	ev.Transcript("open the feed", true)
	assert.Empty(t, h.session.Snapshot().Transcript)
	assert.Equal(t, []string{"open the feed"}, h.utterances())
	assert.Equal(t, []string{"open", "open the", ""}, h.interims)
	h.session.Disconnect(ctx)
}

func TestWakePhraseGatesAlwaysListening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	_, ev := h.dialer.last()

	ev.Transcript("what a nice day", true)
	ev.Transcript("Hey, Rocker! open marketplace", true)
	ev.Transcript("hey rocker", true)
	assert.Equal(t, []string{"open marketplace"}, h.utterances())
	h.session.Disconnect(ctx)
}

func TestSpeakThenListen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	ch, ev := h.dialer.last()

	require.NoError(t, h.session.Speak(ctx, "posted"))
	assert.True(t, h.session.Snapshot().Speaking)
	assert.Equal(t, []string{"listen:true", "listen:false", "speak:u1:posted"}, ch.Calls())

	ev.PlaybackDone("stale")
	assert.True(t, h.session.Snapshot().Speaking, "unrelated playback events are ignored")

	ev.PlaybackDone("u1")
	assert.False(t, h.session.Snapshot().Speaking)
	assert.Equal(t, "listen:true", ch.Calls()[3])
	h.session.Disconnect(ctx)
}

func TestBargeInCancelsPlaybackAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	ch, ev := h.dialer.last()

	require.NoError(t, h.session.Speak(ctx, "a long answer"))
	assert.True(t, h.session.BargeIn())
	assert.False(t, h.session.BargeIn(), "nothing left to cancel")

	// The resume that playback completion would have scheduled is gone.
	ev.PlaybackDone("u1")
	assert.Equal(t, []string{"listen:true", "listen:false", "speak:u1:a long answer", "cancel:u1"}, ch.Calls())
	h.session.Disconnect(ctx)
}

func TestBargeInKeepsWakeWordListening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	ch, _ := h.dialer.last()

	require.NoError(t, h.session.Speak(ctx, "a long answer"))
	assert.True(t, h.session.BargeIn())
	assert.Equal(t, []string{"listen:true", "listen:false", "speak:u1:a long answer", "cancel:u1", "listen:true"}, ch.Calls())
	h.session.Disconnect(ctx)
}

func TestSpeechBargesIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	ch, ev := h.dialer.last()

	require.NoError(t, h.session.Speak(ctx, "reply"))
	ev.Transcript("stop", false)
	assert.Contains(t, ch.Calls(), "cancel:u1")
	assert.False(t, h.session.Snapshot().Speaking)
	h.session.Disconnect(ctx)
}

func TestSpeakRequiresConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.Speak(context.Background(), "hi"), ErrNotConnected)
}

func TestUnmountKeepsAlwaysListening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	h.session.Unmount()
	assert.Equal(t, Connected, h.session.Status())

	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	assert.Equal(t, Disconnected, h.session.Status())

	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	h.session.Unmount()
	assert.Equal(t, Disconnected, h.session.Status())
}

func TestAlwaysListeningSurvivesReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	p, err := h.prefs.Load(ctx)
	require.NoError(t, err)
	require.True(t, p.AlwaysListening)
	h.session.Unmount()

	// A new session over the same preferences comes back on its own.
	again := New(fakeIssuer{cred: Credential{Token: "tok"}}, h.dialer, h.perm, h.prefs, Hooks{},
		config.VoiceConfig{WakePhrase: "hey rocker"}, zaptest.NewLogger(t))
	require.NoError(t, again.Restore(ctx))
	assert.Equal(t, Connected, again.Status())
	assert.True(t, again.Snapshot().AlwaysListening)

	again.Disconnect(ctx)
	h.session.Disconnect(ctx)
}

func TestCloseKeepsStoredPreference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleAlwaysListening(ctx))
	ch, _ := h.dialer.last()

	h.session.Close()
	h.session.Close()
	assert.Equal(t, Disconnected, h.session.Status())
	assert.True(t, ch.Closed())

	p, err := h.prefs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, p.AlwaysListening, "process exit must not switch always-listening off")
}

func TestHiddenAndVisible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	require.NoError(t, h.session.Speak(ctx, "here is your feed"))
	first, _ := h.dialer.last()

	require.NoError(t, h.session.SetHidden(ctx, true))
	assert.Equal(t, Disconnected, h.session.Status())
	assert.True(t, first.Closed())

	require.NoError(t, h.session.SetHidden(ctx, false))
	assert.Equal(t, Connected, h.session.Status())
	second, _ := h.dialer.last()
	assert.NotSame(t, first, second)
	assert.Contains(t, second.Calls(), "speak:u2:here is your feed", "the interrupted reply is replayed")
	h.session.Disconnect(ctx)
}

func TestVisibleSpeaksLastReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	h.mu.Lock()
	h.reply = "your listing is live"
	h.mu.Unlock()

	require.NoError(t, h.session.SetHidden(ctx, true))
	require.NoError(t, h.session.SetHidden(ctx, false))
	ch, _ := h.dialer.last()
	assert.Contains(t, ch.Calls(), "speak:u1:your listing is live")
	h.session.Disconnect(ctx)

	// Nothing is replayed for a session that was not live when hidden.
	require.NoError(t, h.session.SetHidden(ctx, true))
	require.NoError(t, h.session.SetHidden(ctx, false))
	assert.Equal(t, Disconnected, h.session.Status())
}

func TestChannelDropReportsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.ToggleVoiceMode(ctx))
	_, ev := h.dialer.last()

	ev.Closed(errors.New("unexpected EOF"))
	assert.Equal(t, Disconnected, h.session.Status())
	require.Len(t, h.failures, 1)
	assert.Equal(t, ReasonNetwork, ReasonOf(h.failures[0]))

	// Late events from the dead channel are ignored.
	ev.Transcript("ghost", true)
	assert.Empty(t, h.utterances())
}
