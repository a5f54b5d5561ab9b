package scanner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/page/htmlpage"
)

const fixture = `<!doctype html>
<html><body>
  <main id="main">
    <form>
      <input id="q" aria-label="Search query" placeholder="Search">
      <input name="email">
      <input type="hidden" name="csrf" value="x">
      <input type="checkbox" aria-label="Remember me">
      <input type="submit" value="Send   Now">
    </form>
    <button aria-label="Submit Post">Post</button>
    <button data-rocker="Publish" id="pub">Go</button>
    <div role="button">  More
      options </div>
    <button style="display:none">Hidden</button>
    <textarea></textarea>
    <a href="/feed"><span>Feed</span></a>
  </main>
  <x-card>
    <template shadowrootmode="open">
      <div><button>Like</button></div>
      <x-inner id="inner"><template shadowrootmode="open"><input placeholder="Reply"></template></x-inner>
    </template>
  </x-card>
</body></html>`

func newScanner(t *testing.T, p page.Page) *Scanner {
	t.Helper()
	return New(p, config.ScannerConfig{}, zaptest.NewLogger(t))
}

func fixturePage(t *testing.T) *htmlpage.Page {
	t.Helper()
	p, err := htmlpage.FromString("/home", fixture)
	require.NoError(t, err)
	return p
}

func byName(caps []Capability) map[string]Capability {
	out := make(map[string]Capability, len(caps))
	for _, c := range caps {
		out[c.Name] = c
	}
	return out
}

func TestScanDiscoversVisibleCapabilities(t *testing.T) {
	p := fixturePage(t)
	caps := newScanner(t, p).Scan(context.Background())

	type row struct {
		Kind     schemas.CapabilityKind
		Selector string
	}
	got := map[string]row{}
	for _, c := range caps {
		got[c.Name] = row{c.Kind, c.Selector}
	}

	assert.Equal(t, map[string]row{
		"search query":  {schemas.KindField, "#q"},
		"email":         {schemas.KindField, "#main > form:nth-of-type(1) > input:nth-of-type(2)"},
		"send now":      {schemas.KindButton, "#main > form:nth-of-type(1) > input:nth-of-type(5)"},
		"submit post":   {schemas.KindButton, `[aria-label="Submit Post"]`},
		"publish":       {schemas.KindButton, "#pub"},
		"more options":  {schemas.KindButton, "#main > div:nth-of-type(1)"},
		"unnamed field": {schemas.KindField, "#main > textarea:nth-of-type(1)"},
		"feed":          {schemas.KindButton, "#main > a:nth-of-type(1)"},
		"like":          {schemas.KindButton, "body > x-card:nth-of-type(1) >>> :scope > div:nth-of-type(1) > button:nth-of-type(1)"},
		"reply":         {schemas.KindField, "body > x-card:nth-of-type(1) >>> #inner >>> :scope > input:nth-of-type(1)"},
	}, got)
}

func TestScanSelectorsResolveBackToTheirElements(t *testing.T) {
	p := fixturePage(t)
	ctx := context.Background()
	caps := newScanner(t, p).Scan(ctx)
	require.NotEmpty(t, caps)

	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	for _, c := range caps {
		n, err := page.Resolve(tree, c.Selector)
		require.NoError(t, err, c.Selector)
		assert.Equal(t, c.Node.Ref, n.Ref, "selector %q resolves to a different element", c.Selector)
	}
}

func TestScanShadowScopes(t *testing.T) {
	caps := byName(newScanner(t, fixturePage(t)).Scan(context.Background()))
	assert.Equal(t, page.ShadowScope, caps["like"].Scope)
	assert.Equal(t, page.ShadowScope, caps["reply"].Scope)
	assert.Equal(t, page.DocumentScope, caps["publish"].Scope)
}

func TestScanIsDeterministic(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	ctx := context.Background()

	pairs := func(caps []Capability) []string {
		out := make([]string, 0, len(caps))
		for _, c := range caps {
			out = append(out, c.Name+"|"+c.Selector)
		}
		return out
	}
	assert.Equal(t, pairs(s.Scan(ctx)), pairs(s.Scan(ctx)))
}

func TestScanVisibilityToggle(t *testing.T) {
	p, err := htmlpage.FromString("/", `<body><button id="later" style="display:none">Later</button></body>`)
	require.NoError(t, err)
	s := newScanner(t, p)
	ctx := context.Background()

	assert.Empty(t, s.Scan(ctx))

	p.Mutate(func(doc *html.Node) {
		el := htmlpage.FindByID(doc, "later")
		for i, a := range el.Attr {
			if a.Key == "style" {
				el.Attr[i].Val = "display:block"
			}
		}
	})
	caps := s.Scan(ctx)
	require.Len(t, caps, 1)
	assert.Equal(t, "later", caps[0].Name)
}

func TestSelectorPrefersIDOverLabel(t *testing.T) {
	p, err := htmlpage.FromString("/", `<body><button id="go" aria-label="Go now" data-rocker="launch">x</button></body>`)
	require.NoError(t, err)
	caps := newScanner(t, p).Scan(context.Background())
	require.Len(t, caps, 1)
	assert.Equal(t, "#go", caps[0].Selector)
	assert.Equal(t, "launch", caps[0].Name, "the capability tag wins for naming")
}

func TestUnanchoredPathIsTruncated(t *testing.T) {
	p, err := htmlpage.FromString("/", `<body><div><div><div><div><div><button>Deep</button></div></div></div></div></div></body>`)
	require.NoError(t, err)
	ctx := context.Background()
	caps := newScanner(t, p).Scan(ctx)
	require.Len(t, caps, 1)
	assert.Equal(t, "div:nth-of-type(1) > div:nth-of-type(1) > div:nth-of-type(1) > div:nth-of-type(1) > button:nth-of-type(1)", caps[0].Selector)

	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	n, err := page.Resolve(tree, caps[0].Selector)
	require.NoError(t, err)
	assert.Equal(t, "Deep", n.TextContent())
}

func TestDeriveName(t *testing.T) {
	s := newScanner(t, fixturePage(t))
	long := strings.Repeat("word ", 30)

	tests := []struct {
		name string
		node *page.Node
		kind schemas.CapabilityKind
		want string
	}{
		{"tag attribute first", page.NewElement("input", map[string]string{"data-rocker": "Composer", "aria-label": "x"}), schemas.KindField, "composer"},
		{"aria label", page.NewElement("button", map[string]string{"aria-label": "  Submit   Post "}), schemas.KindButton, "submit post"},
		{"placeholder", page.NewElement("input", map[string]string{"placeholder": "What's on your mind?", "name": "body"}), schemas.KindField, "what's on your mind?"},
		{"field name attribute", page.NewElement("input", map[string]string{"name": "Email"}), schemas.KindField, "email"},
		{"button text", page.NewElement("button", nil, page.NewText(" Buy "), page.NewElement("b", nil, page.NewText("Now"))), schemas.KindButton, "buy now"},
		{"button ignores name attribute", page.NewElement("button", map[string]string{"name": "act"}), schemas.KindButton, "unnamed button"},
		{"input button value", page.NewElement("input", map[string]string{"type": "button", "value": "Apply"}), schemas.KindButton, "apply"},
		{"bare submit", page.NewElement("input", map[string]string{"type": "submit"}), schemas.KindButton, "submit"},
		{"fallback field", page.NewElement("textarea", nil), schemas.KindField, "unnamed field"},
		{"truncated", page.NewElement("button", map[string]string{"aria-label": long}), schemas.KindButton, strings.TrimSpace(long[:80])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.DeriveName(tt.node, tt.kind))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		node *page.Node
		kind schemas.CapabilityKind
		ok   bool
	}{
		{page.NewElement("input", nil), schemas.KindField, true},
		{page.NewElement("input", map[string]string{"type": "email"}), schemas.KindField, true},
		{page.NewElement("input", map[string]string{"type": "RESET"}), schemas.KindButton, true},
		{page.NewElement("input", map[string]string{"type": "radio"}), "", false},
		{page.NewElement("textarea", nil), schemas.KindField, true},
		{page.NewElement("div", map[string]string{"contenteditable": ""}), schemas.KindField, true},
		{page.NewElement("div", map[string]string{"contenteditable": "false"}), "", false},
		{page.NewElement("span", map[string]string{"role": "Button"}), schemas.KindButton, true},
		{page.NewElement("a", nil), schemas.KindButton, true},
		{page.NewElement("div", nil), "", false},
	}
	for _, tt := range tests {
		kind, ok := Classify(tt.node)
		assert.Equal(t, tt.ok, ok, "%s %v", tt.node.Tag, tt.node.Attrs)
		assert.Equal(t, tt.kind, kind, "%s %v", tt.node.Tag, tt.node.Attrs)
	}
}

// flakyPage fails geometry for one element, as a node detached mid-scan would.
type flakyPage struct {
	page.Page
	tree    *page.Node
	treeErr error
	broken  string
}

func (f *flakyPage) Tree(context.Context) (*page.Node, error) { return f.tree, f.treeErr }

func (f *flakyPage) Geometry(_ context.Context, n *page.Node) (page.Geometry, error) {
	if n.AttrValue("id") == f.broken {
		return page.Geometry{}, page.ErrDetached
	}
	return page.Geometry{Width: 10, Height: 10, Display: "block", Visibility: "visible"}, nil
}

func TestScanSkipsElementsThatFailInspection(t *testing.T) {
	body := page.NewElement("body", nil,
		page.NewElement("button", map[string]string{"id": "gone"}, page.NewText("Gone")),
		page.NewElement("button", map[string]string{"id": "ok"}, page.NewText("Ok")),
	)
	f := &flakyPage{tree: page.NewDocument(page.NewElement("html", nil, body)), broken: "gone"}

	caps := newScanner(t, f).Scan(context.Background())
	require.Len(t, caps, 1)
	assert.Equal(t, "ok", caps[0].Name)
}

func TestScanTreeFailureYieldsEmptySnapshot(t *testing.T) {
	f := &flakyPage{treeErr: errors.New("target closed")}
	assert.Empty(t, newScanner(t, f).Scan(context.Background()))
}
