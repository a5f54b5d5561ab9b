package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/learning"
	"github.com/xkilldash9x/rocker/internal/memory"
	"github.com/xkilldash9x/rocker/internal/mocks"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/page/htmlpage"
	"github.com/xkilldash9x/rocker/internal/scanner"
)

const feedDoc = `<!doctype html>
<html><body>
  <nav><a href="/feed" id="feed-tab">Feed</a></nav>
  <main>
    <textarea id="composer" placeholder="What's on your mind?"></textarea>
    <button aria-label="Submit Post" id="submit">Post</button>
    <button id="boost">Post Boost</button>
    <input id="search" placeholder="Search">
    <button id="search-btn">Search Button</button>
  </main>
</body></html>`

type recordedSignal struct {
	target  string
	success bool
}

type fakeLearner struct {
	mu      sync.Mutex
	signals []recordedSignal
	counts  map[string]int
}

func (f *fakeLearner) Record(target, _ string, success bool, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, recordedSignal{target, success})
}

func (f *fakeLearner) SuccessCounts(context.Context, string) map[string]int {
	return f.counts
}

type fixture struct {
	page    *htmlpage.Page
	memory  *memory.Memory
	learner *fakeLearner
	exec    *Executor
}

func setup(t *testing.T, doc string, learnFromScan bool) *fixture {
	t.Helper()
	p, err := htmlpage.FromString("/feed", doc)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	mem := memory.New()
	l := &fakeLearner{}
	s := scanner.New(p, config.ScannerConfig{}, logger)
	e := New(p, s, mem, l, config.ExecutorConfig{LearnFromScan: learnFromScan}, logger)
	return &fixture{page: p, memory: mem, learner: l, exec: e}
}

func lastClick(p *htmlpage.Page) string {
	var target string
	for _, ev := range p.Events() {
		if ev.Type == "click" {
			target = ev.Target
		}
	}
	return target
}

func TestClickByDerivedName(t *testing.T) {
	f := setup(t, feedDoc, false)
	res := f.exec.Execute(context.Background(), schemas.Click("Submit Post"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "clicked submit post", res.Message)
	assert.Equal(t, "button#submit", lastClick(f.page))
	assert.Equal(t, []recordedSignal{{"submit post", true}}, f.learner.signals)
}

func TestFlaggedMemoryOutranksScan(t *testing.T) {
	f := setup(t, feedDoc, false)
	ctx := context.Background()
	// A scan alone would pick "post boost", the shortest name containing "post".
	c, ok := Match(f.exec.scanner.Scan(ctx), "post", nil)
	require.True(t, ok)
	require.Equal(t, "post boost", c.Name)

	require.NoError(t, f.memory.Upsert(ctx, "/feed", "post", "#submit", schemas.EntryMetadata{Flagged: true}))
	res := f.exec.Execute(ctx, schemas.Click("post"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "button#submit", lastClick(f.page))

	target, ok := f.exec.Resolve(ctx, "post")
	require.True(t, ok)
	assert.Equal(t, FromMemory, target.Via)
}

func TestStaleMemoryFallsBackToScan(t *testing.T) {
	f := setup(t, feedDoc, true)
	ctx := context.Background()
	require.NoError(t, f.memory.Upsert(ctx, "/feed", "search button", "#gone", schemas.EntryMetadata{Flagged: true}))

	target, ok := f.exec.Resolve(ctx, "search button")
	require.True(t, ok)
	assert.Equal(t, FromScan, target.Via)
	assert.Equal(t, "#search-btn", target.Selector)

	// The flagged entry is never replaced automatically.
	sel, _, err := f.memory.Lookup(ctx, "/feed", "search button")
	require.NoError(t, err)
	assert.Equal(t, "#gone", sel)
	entries, err := f.memory.List(ctx, "/feed")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryFailuresDoNotBlockActions(t *testing.T) {
	p, err := htmlpage.FromString("/feed", feedDoc)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	mem := new(mocks.MockSelectorMemory)
	mem.On("Lookup", mock.Anything, "/feed", "search button").Return("", false, errors.New("connection reset"))
	mem.On("Upsert", mock.Anything, "/feed", "search button", "#search-btn", schemas.EntryMetadata{Kind: schemas.KindButton}).
		Return(errors.New("connection reset"))

	e := New(p, scanner.New(p, config.ScannerConfig{}, logger), mem, nil, config.ExecutorConfig{LearnFromScan: true}, logger)
	res := e.Execute(context.Background(), schemas.Click("Search Button"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "button#search-btn", lastClick(p))
	mem.AssertExpectations(t)
}

func TestScanResolutionIsRemembered(t *testing.T) {
	f := setup(t, feedDoc, true)
	ctx := context.Background()
	require.True(t, f.exec.Execute(ctx, schemas.Click("feed")).Success)

	sel, ok, err := f.memory.Lookup(ctx, "/feed", "feed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#feed-tab", sel)
}

func TestFuzzyScanHitIsNotRemembered(t *testing.T) {
	f := setup(t, `<html><body><main id="main">
  <button id="boost">Post Boost</button>
</main></body></html>`, true)
	ctx := context.Background()

	require.True(t, f.exec.Execute(ctx, schemas.Click("post")).Success)
	assert.Equal(t, "button#boost", lastClick(f.page))
	assert.Zero(t, f.memory.Len(), "substring hits are not remembered")

	// An exact match that shows up later must win.
	f.page.Mutate(func(doc *html.Node) {
		require.NoError(t, htmlpage.AppendHTML(htmlpage.FindByID(doc, "main"), `<button id="post">Post</button>`))
	})
	target, ok := f.exec.Resolve(ctx, "post")
	require.True(t, ok)
	assert.Equal(t, FromScan, target.Via)
	assert.Equal(t, "#post", target.Selector)
	assert.Equal(t, 1, f.memory.Len(), "exact hits are remembered")
}

func TestHiddenLearnedEntryFallsBackToScan(t *testing.T) {
	f := setup(t, `<html><body>
  <button id="a" style="display:none">Go</button>
  <button id="b">Go</button>
</body></html>`, false)
	ctx := context.Background()

	require.NoError(t, f.memory.Upsert(ctx, "/feed", "go", "#a", schemas.EntryMetadata{Kind: schemas.KindButton}))
	res := f.exec.Execute(ctx, schemas.Click("go"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "button#b", lastClick(f.page))

	// A taught entry is honored even when its element is hidden.
	require.NoError(t, f.memory.Upsert(ctx, "/feed", "go", "#a", schemas.EntryMetadata{Kind: schemas.KindButton, Flagged: true}))
	target, ok := f.exec.Resolve(ctx, "go")
	require.True(t, ok)
	assert.Equal(t, FromMemory, target.Via)
	assert.Equal(t, "#a", target.Selector)
}

func TestSuccessfulResolutionsBiasRanking(t *testing.T) {
	p, err := htmlpage.FromString("/feed", `<html><body>
  <button id="boost">Post Boost</button>
  <button id="long">Post it now</button>
</body></html>`)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	rec := learning.NewRecorder(nil, config.LearningConfig{}, logger)
	e := New(p, scanner.New(p, config.ScannerConfig{}, logger), memory.New(), rec, config.ExecutorConfig{}, logger)
	ctx := context.Background()

	target, ok := e.Resolve(ctx, "post")
	require.True(t, ok)
	require.Equal(t, "#boost", target.Selector, "shortest name wins without history")

	for i := 0; i < 3; i++ {
		res := e.Execute(ctx, schemas.Click("it now"))
		require.True(t, res.Success, res.Message)
	}
	assert.Equal(t, 3, rec.SuccessCounts(ctx, "/feed")["post it now"], "tallies are keyed by the matched capability")

	res := e.Execute(ctx, schemas.Click("post"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "button#long", lastClick(p))
}

func TestTargetNotFound(t *testing.T) {
	f := setup(t, feedDoc, false)
	res := f.exec.Execute(context.Background(), schemas.Click("  Checkout  Now "))
	assert.False(t, res.Success)
	assert.Equal(t, "target not found: checkout now", res.Message)
	assert.Equal(t, []recordedSignal{{"checkout now", false}}, f.learner.signals)
}

func TestFillAndReadValue(t *testing.T) {
	f := setup(t, feedDoc, false)
	ctx := context.Background()

	res := f.exec.Execute(ctx, schemas.Fill("search", "arabian horses"))
	require.True(t, res.Success, res.Message)

	v, res := f.exec.ReadValue(ctx, "search")
	require.True(t, res.Success)
	assert.Equal(t, "arabian horses", v)
	assert.Equal(t, "arabian horses", res.Data)
}

func TestFillNonEditableFails(t *testing.T) {
	f := setup(t, feedDoc, false)
	res := f.exec.Execute(context.Background(), schemas.Fill("post boost", "x"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "could not fill post boost")
}

func TestInvalidCommand(t *testing.T) {
	f := setup(t, feedDoc, false)
	res := f.exec.Execute(context.Background(), schemas.ActionCommand{Type: schemas.ActionClick})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "click requires a target name")
}

func TestReadSummary(t *testing.T) {
	f := setup(t, feedDoc, false)
	res := f.exec.Execute(context.Background(), schemas.Read())
	require.True(t, res.Success)
	assert.Equal(t, "found 2 fields and 4 buttons", res.Message)

	var got summary
	require.NoError(t, yaml.Unmarshal([]byte(res.Data), &got))
	assert.Equal(t, "/feed", got.Route)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "what's on your mind?", got.Fields[0].Name)
	assert.Equal(t, "#composer", got.Fields[0].Selector)
}

func caps(names ...string) []scanner.Capability {
	out := make([]scanner.Capability, len(names))
	for i, n := range names {
		out[i] = scanner.Capability{Capability: schemas.Capability{Kind: schemas.KindButton, Name: n, Selector: "#c" + n}}
	}
	return out
}

func TestMatchRanking(t *testing.T) {
	tests := []struct {
		name    string
		caps    []scanner.Capability
		query   string
		tallies map[string]int
		want    string
		found   bool
	}{
		{"exact beats substring", caps("post button", "post"), "post", nil, "post", true},
		{"shortest substring", caps("post to page now", "post now"), "post", nil, "post now", true},
		{"document order breaks ties", caps("post a", "post b"), "post", nil, "post a", true},
		{"learned success outranks length", caps("post now", "post to feed"), "post", map[string]int{"post to feed": 3}, "post to feed", true},
		{"case and space insensitive", caps("submit post"), "  SUBMIT ", nil, "submit post", true},
		{"no match", caps("login"), "post", nil, "", false},
		{"empty query", caps("post"), " ", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.caps, tt.query, tt.tallies)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestTeach(t *testing.T) {
	f := setup(t, feedDoc, false)
	ctx := context.Background()

	res := f.exec.Teach(ctx, "Big Post", `[aria-label="Submit Post"]`)
	require.True(t, res.Success, res.Message)
	entries, err := f.memory.List(ctx, "/feed")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Metadata.Flagged)
	assert.Equal(t, schemas.KindButton, entries[0].Metadata.Kind)

	assert.False(t, f.exec.Teach(ctx, "x", "#nope").Success)
	assert.False(t, f.exec.Teach(ctx, "x", "[broken").Success)
	assert.False(t, f.exec.Teach(ctx, " ", "#submit").Success)
}

func TestClickDetachedNodeFails(t *testing.T) {
	f := setup(t, feedDoc, false)
	ctx := context.Background()
	target, ok := f.exec.Resolve(ctx, "submit post")
	require.True(t, ok)

	f.page.Mutate(func(doc *html.Node) {
		el := htmlpage.FindByID(doc, "submit")
		el.Parent.RemoveChild(el)
	})
	assert.ErrorIs(t, f.page.Click(ctx, target.Node), page.ErrDetached)
	assert.False(t, f.exec.Execute(ctx, schemas.Click("submit post")).Success)
}
