// Package cdppage implements the page port against a live browser tab over
// the Chrome DevTools Protocol.
package cdppage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Element level scripts run with `this` bound to the resolved node.
const (
	geometryJS = `function() {
	const r = this.getBoundingClientRect();
	const s = window.getComputedStyle(this);
	return JSON.stringify({width: r.width, height: r.height, display: s.display, visibility: s.visibility});
}`

	// The native value setter bypasses framework wrappers so the input
	// event that follows is observed as a real edit.
	setValueJS = `function(value) {
	this.focus();
	if (this.isContentEditable) {
		this.textContent = value;
	} else {
		const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) { desc.set.call(this, value); } else { this.value = value; }
	}
	this.dispatchEvent(new Event('input', {bubbles: true, composed: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

	valueJS = `function() {
	if (this.isContentEditable) { return this.textContent || ''; }
	return this.value == null ? '' : String(this.value);
}`

	clickJS = `function() {
	this.scrollIntoView({block: 'center', inline: 'nearest'});
	this.click();
	return true;
}`
)

// Page drives one browser tab.
type Page struct {
	ctx        context.Context
	logger     *zap.Logger
	cfg        config.BrowserConfig
	scrollStep int
}

var _ page.Page = (*Page)(nil)

// New wraps a chromedp tab context.
func New(tabCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	step := cfg.ScrollStep
	if step <= 0 {
		step = 600
	}
	return &Page{ctx: tabCtx, logger: logger.Named("cdppage"), cfg: cfg, scrollStep: step}
}

// AllocatorOptions returns the exec allocator flags for a locally launched browser.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		// Voice needs the microphone without a native prompt in automation.
		chromedp.Flag("use-fake-ui-for-media-stream", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Launch attaches to cfg.RemoteURL or starts a browser, opens a tab at
// cfg.StartURL and returns the page plus a release function.
func Launch(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, func(), error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(parent, cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(parent, AllocatorOptions(cfg)...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	release := func() {
		tabCancel()
		allocCancel()
	}

	start := cfg.StartURL
	if start == "" {
		start = "about:blank"
	}
	if err := chromedp.Run(tabCtx, chromedp.Navigate(start)); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to open browser tab at %s: %w", start, err)
	}
	return New(tabCtx, cfg, logger), release, nil
}

// Context returns the tab context, for collaborators that run their own actions.
func (p *Page) Context() context.Context { return p.ctx }

// run executes actions on the tab, bounded by the caller's context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Route implements page.Page.
func (p *Page) Route(ctx context.Context) (string, error) {
	var path string
	if err := p.run(ctx, chromedp.Evaluate(`location.pathname`, &path)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return path, nil
}

// Tree implements page.Page.
func (p *Page) Tree(ctx context.Context) (*page.Node, error) {
	var root *cdp.Node
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		root, err = dom.GetDocument().WithDepth(-1).WithPierce(true).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot document: %w", err)
	}
	return convert(root), nil
}

// callOn resolves n to a remote object and calls fn on it.
func (p *Page) callOn(ctx context.Context, n *page.Node, fn string, res any, args ...any) error {
	if n == nil {
		return page.ErrDetached
	}
	id, ok := n.Ref.(cdp.BackendNodeID)
	if !ok || id == 0 {
		return fmt.Errorf("%w: node has no backend id", page.ErrDetached)
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", page.ErrDetached, err)
		}
		defer func() {
			// Releasing is best effort; the object group dies with the page anyway.
			_ = runtime.ReleaseObject(obj.ObjectID).Do(ctx)
		}()
		return chromedp.CallFunctionOn(fn, res,
			func(params *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
				return params.WithObjectID(obj.ObjectID)
			}, args...).Do(ctx)
	}))
}

// Geometry implements page.Page.
func (p *Page) Geometry(ctx context.Context, n *page.Node) (page.Geometry, error) {
	var raw string
	if err := p.callOn(ctx, n, geometryJS, &raw); err != nil {
		return page.Geometry{}, err
	}
	var g page.Geometry
	if err := json.UnmarshalFromString(raw, &g); err != nil {
		return page.Geometry{}, fmt.Errorf("failed to decode geometry: %w", err)
	}
	return g, nil
}

// SetValue implements page.Page.
func (p *Page) SetValue(ctx context.Context, n *page.Node, value string) error {
	var ok bool
	if err := p.callOn(ctx, n, setValueJS, &ok, value); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

// Value implements page.Page.
func (p *Page) Value(ctx context.Context, n *page.Node) (string, error) {
	var v string
	if err := p.callOn(ctx, n, valueJS, &v); err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return v, nil
}

// Click implements page.Page.
func (p *Page) Click(ctx context.Context, n *page.Node) error {
	var ok bool
	if err := p.callOn(ctx, n, clickJS, &ok); err != nil {
		return fmt.Errorf("failed to click: %w", err)
	}
	return nil
}

// Navigate implements page.Page. Routes are resolved against the current
// origin; absolute URLs are used as given.
func (p *Page) Navigate(ctx context.Context, route string) error {
	target := route
	if u, err := url.Parse(route); err != nil || !u.IsAbs() {
		var origin string
		if err := p.run(ctx, chromedp.Evaluate(`location.origin`, &origin)); err != nil {
			return fmt.Errorf("failed to read origin: %w", err)
		}
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		target = origin + route
	}

	timeout := p.cfg.NavigateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.run(navCtx, chromedp.Navigate(target)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %s timed out after %s", target, timeout)
		}
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	p.logger.Debug("Navigated", zap.String("url", target))
	return nil
}

// Scroll implements page.Page.
func (p *Page) Scroll(ctx context.Context, dir page.ScrollDirection) error {
	var js string
	switch dir {
	case page.ScrollUp:
		js = fmt.Sprintf(`window.scrollBy({top: -%d, behavior: 'smooth'})`, p.scrollStep)
	case page.ScrollDown:
		js = fmt.Sprintf(`window.scrollBy({top: %d, behavior: 'smooth'})`, p.scrollStep)
	case page.ScrollTop:
		js = `window.scrollTo({top: 0, behavior: 'smooth'})`
	case page.ScrollBottom:
		js = `window.scrollTo({top: document.documentElement.scrollHeight, behavior: 'smooth'})`
	default:
		return fmt.Errorf("unknown scroll direction %q", dir)
	}
	if err := p.run(ctx, chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}
