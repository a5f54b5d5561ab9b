// Package htmlpage implements the page port over a parsed HTML document. It
// understands declarative shadow roots and inline-style visibility, which is
// enough to audit capability discovery offline and to dry-run procedures
// without a browser.
package htmlpage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/rocker/internal/page"
)

// Loader fetches the document for a route.
type Loader func(ctx context.Context, route string) (io.ReadCloser, error)

// Event is a DOM event the page dispatched.
type Event struct {
	Type   string
	Target string
	Value  string
	At     time.Time
}

// ClickHandler lets callers emulate application behavior for activations,
// for example a submit button that appends a post to a feed.
type ClickHandler func(p *Page, target *html.Node) error

// Option configures a Page.
type Option func(*Page)

// WithLoader sets the loader used by Navigate.
func WithLoader(l Loader) Option { return func(p *Page) { p.loader = l } }

// WithClickHandler installs a click handler.
func WithClickHandler(h ClickHandler) Option { return func(p *Page) { p.onClick = h } }

// WithCommitDelay makes SetValue land asynchronously after d, the way a
// reactive framework applies state updates on a later tick.
func WithCommitDelay(d time.Duration) Option { return func(p *Page) { p.commitDelay = d } }

// WithScrollStep sets the pixel distance of one scroll up or down.
func WithScrollStep(px int) Option { return func(p *Page) { p.scrollStep = px } }

// Page is a static, mutable HTML document behind the page port.
type Page struct {
	mu          sync.Mutex
	route       string
	doc         *html.Node
	loader      Loader
	onClick     ClickHandler
	commitDelay time.Duration
	scrollStep  int
	scrollY     int
	events      []Event
	pending     sync.WaitGroup
}

var _ page.Page = (*Page)(nil)

// New parses r as the document at route.
func New(route string, r io.Reader, opts ...Option) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document for %s: %w", route, err)
	}
	p := &Page{route: normalizeRoute(route), doc: doc, scrollStep: 600}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FromString is New over an in-memory document.
func FromString(route, src string, opts ...Option) (*Page, error) {
	return New(route, strings.NewReader(src), opts...)
}

// Open loads the document for route through loader.
func Open(ctx context.Context, route string, loader Loader, opts ...Option) (*Page, error) {
	rc, err := loader(ctx, route)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return New(route, rc, append([]Option{WithLoader(loader)}, opts...)...)
}

// DirLoader serves routes from HTML files: "/" maps to index.html and
// "/feed" to feed.html (or feed/index.html).
func DirLoader(dir string) Loader {
	return func(_ context.Context, route string) (io.ReadCloser, error) {
		rel := strings.Trim(normalizeRoute(route), "/")
		candidates := []string{filepath.Join(dir, "index.html")}
		if rel != "" {
			candidates = []string{
				filepath.Join(dir, filepath.FromSlash(rel)+".html"),
				filepath.Join(dir, filepath.FromSlash(rel), "index.html"),
			}
		}
		for _, c := range candidates {
			f, err := os.Open(c)
			if err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("no document for route %s under %s", route, dir)
	}
}

// HTTPLoader fetches routes relative to base.
func HTTPLoader(base string, client *http.Client) Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, route string) (io.ReadCloser, error) {
		u, err := url.JoinPath(base, normalizeRoute(route))
		if err != nil {
			return nil, fmt.Errorf("invalid route %s: %w", route, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// Route implements page.Page.
func (p *Page) Route(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.route, nil
}

// Tree implements page.Page.
func (p *Page) Tree(context.Context) (*page.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	root := page.NewDocument()
	root.Ref = p.doc
	p.buildChildren(root, p.doc)
	return root, nil
}

func (p *Page) buildChildren(dst *page.Node, src *html.Node) {
	for c := src.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			t := page.NewText(c.Data)
			t.Ref = c
			dst.Append(t)
		case html.ElementNode:
			if c.Data == "template" {
				// Declarative shadow roots attach to the parent; any other
				// template content is inert.
				if isShadowTemplate(c) && dst.IsElement() && dst.Shadow == nil {
					shadow := dst.AttachShadow()
					shadow.Ref = c
					p.buildChildren(shadow, c)
				}
				continue
			}
			attrs := make(map[string]string, len(c.Attr))
			for _, a := range c.Attr {
				attrs[a.Key] = a.Val
			}
			el := page.NewElement(c.Data, attrs)
			el.Ref = c
			dst.Append(el)
			if c.Data == "iframe" {
				continue
			}
			p.buildChildren(el, c)
		}
	}
}

// Geometry implements page.Page.
func (p *Page) Geometry(_ context.Context, n *page.Node) (page.Geometry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live(n)
	if err != nil {
		return page.Geometry{}, err
	}
	return computeGeometry(h), nil
}

// SetValue implements page.Page.
func (p *Page) SetValue(_ context.Context, n *page.Node, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live(n)
	if err != nil {
		return err
	}
	if !editable(h) {
		return fmt.Errorf("<%s> is not editable", h.Data)
	}

	commit := func() {
		writeValue(h, value)
		p.record("input", h, value)
		p.record("change", h, value)
	}
	if p.commitDelay <= 0 {
		commit()
		return nil
	}
	p.pending.Add(1)
	time.AfterFunc(p.commitDelay, func() {
		defer p.pending.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		commit()
	})
	return nil
}

// Value implements page.Page.
func (p *Page) Value(_ context.Context, n *page.Node) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live(n)
	if err != nil {
		return "", err
	}
	return readValue(h), nil
}

// Click implements page.Page. Anchors with a same-site href navigate.
func (p *Page) Click(ctx context.Context, n *page.Node) error {
	p.mu.Lock()
	h, err := p.live(n)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if _, disabled := attr(h, "disabled"); disabled {
		p.mu.Unlock()
		return fmt.Errorf("<%s> is disabled", h.Data)
	}
	p.record("click", h, "")
	handler := p.onClick
	href, _ := attr(h, "href")
	p.mu.Unlock()

	if handler != nil {
		if err := handler(p, h); err != nil {
			return err
		}
	}
	if h.Data == "a" && strings.HasPrefix(href, "/") {
		return p.Navigate(ctx, href)
	}
	return nil
}

// Navigate implements page.Page. Without a loader only the route changes.
func (p *Page) Navigate(ctx context.Context, route string) error {
	route = normalizeRoute(route)
	p.mu.Lock()
	loader := p.loader
	p.mu.Unlock()

	var doc *html.Node
	if loader != nil {
		rc, err := loader(ctx, route)
		if err != nil {
			return fmt.Errorf("failed to navigate to %s: %w", route, err)
		}
		defer rc.Close()
		doc, err = html.Parse(rc)
		if err != nil {
			return fmt.Errorf("failed to parse document for %s: %w", route, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.route = route
	if doc != nil {
		p.doc = doc
	}
	p.scrollY = 0
	p.events = append(p.events, Event{Type: "navigate", Target: route, At: time.Now()})
	return nil
}

// Scroll implements page.Page.
func (p *Page) Scroll(_ context.Context, dir page.ScrollDirection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch dir {
	case page.ScrollUp:
		p.scrollY = max(0, p.scrollY-p.scrollStep)
	case page.ScrollDown:
		p.scrollY += p.scrollStep
	case page.ScrollTop:
		p.scrollY = 0
	case page.ScrollBottom:
		p.scrollY = -1
	default:
		return fmt.Errorf("unknown scroll direction %q", dir)
	}
	p.events = append(p.events, Event{Type: "scroll", Target: string(dir), At: time.Now()})
	return nil
}

// Events returns a copy of the dispatched events.
func (p *Page) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// ScrollY returns the scroll offset; -1 means the bottom of the page.
func (p *Page) ScrollY() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollY
}

// Flush waits for delayed value commits to land.
func (p *Page) Flush() { p.pending.Wait() }

// Mutate runs fn with exclusive access to the document, for emulating
// application updates.
func (p *Page) Mutate(fn func(doc *html.Node)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.doc)
}

// Render writes the current document as HTML.
func (p *Page) Render(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Render(w, p.doc)
}

// live maps a snapshot node to the element still attached to the current
// document.
func (p *Page) live(n *page.Node) (*html.Node, error) {
	if n == nil {
		return nil, page.ErrDetached
	}
	h, ok := n.Ref.(*html.Node)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: node has no html handle", page.ErrDetached)
	}
	cur := h
	for cur.Parent != nil {
		cur = cur.Parent
	}
	if cur != p.doc {
		return nil, page.ErrDetached
	}
	return h, nil
}

func (p *Page) record(kind string, h *html.Node, value string) {
	p.events = append(p.events, Event{Type: kind, Target: describe(h), Value: value, At: time.Now()})
}

// -- DOM helpers --

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func contentEditable(n *html.Node) bool {
	v, ok := attr(n, "contenteditable")
	return ok && (v == "" || strings.EqualFold(v, "true") || strings.EqualFold(v, "plaintext-only"))
}

func editable(n *html.Node) bool {
	return n.Data == "input" || n.Data == "textarea" || contentEditable(n)
}

func writeValue(n *html.Node, value string) {
	if n.Data == "input" {
		setAttr(n, "value", value)
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
}

func readValue(n *html.Node) string {
	if n.Data == "input" {
		v, _ := attr(n, "value")
		return v
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return b.String()
}

// AppendHTML parses fragment in the context of parent and appends it, for
// click handlers that emulate new content arriving.
func AppendHTML(parent *html.Node, fragment string) error {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}

// FindByID returns the first element under root with the given id.
func FindByID(root *html.Node, id string) *html.Node {
	if root.Type == html.ElementNode {
		if v, ok := attr(root, "id"); ok && v == id {
			return root
		}
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := FindByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// Attr exposes attribute lookup for click handlers.
func Attr(n *html.Node, key string) string {
	v, _ := attr(n, key)
	return v
}

func describe(n *html.Node) string {
	if id, ok := attr(n, "id"); ok {
		return n.Data + "#" + id
	}
	if name, ok := attr(n, "name"); ok {
		return n.Data + "[name=" + name + "]"
	}
	if label, ok := attr(n, "aria-label"); ok {
		return n.Data + "[aria-label=" + label + "]"
	}
	return n.Data
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "/"
	}
	if u, err := url.Parse(route); err == nil && u.Path != "" {
		route = u.Path
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}
