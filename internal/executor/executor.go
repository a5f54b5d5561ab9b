// Package executor turns a named target into a live element and performs a
// single atomic action on it. Every failure is reported in the returned
// ActionResult; nothing is returned as an error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/scanner"
)

// Learner receives resolution outcomes and serves success tallies.
type Learner interface {
	Record(target, route string, success bool, source string)
	SuccessCounts(ctx context.Context, route string) map[string]int
}

// Resolution describes how a target was found.
type Resolution string

const (
	FromMemory Resolution = "memory"
	FromScan   Resolution = "scan"
)

const learningSource = "executor"

// Executor performs actions against a page.
type Executor struct {
	page    page.Page
	scanner *scanner.Scanner
	memory  schemas.SelectorMemory
	learner Learner
	cfg     config.ExecutorConfig
	logger  *zap.Logger
}

// New creates an Executor. learner may be nil.
func New(p page.Page, s *scanner.Scanner, mem schemas.SelectorMemory, learner Learner, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		page:    p,
		scanner: s,
		memory:  mem,
		learner: learner,
		cfg:     cfg,
		logger:  logger.Named("executor"),
	}
}

// Page returns the page the executor acts on.
func (e *Executor) Page() page.Page { return e.page }

// Execute runs one command.
func (e *Executor) Execute(ctx context.Context, cmd schemas.ActionCommand) schemas.ActionResult {
	if err := cmd.Validate(); err != nil {
		return schemas.Failed("invalid command: %v", err)
	}
	if cmd.Type == schemas.ActionRead {
		return e.read(ctx)
	}

	name := schemas.NormalizeName(cmd.Target)
	target, ok := e.Resolve(ctx, name)
	if !ok {
		return schemas.Failed("target not found: %s", name)
	}

	switch cmd.Type {
	case schemas.ActionFill:
		if err := e.page.SetValue(ctx, target.Node, cmd.Value); err != nil {
			e.logger.Debug("Fill failed.", zap.String("target", name), zap.Error(err))
			return schemas.Failed("could not fill %s: %v", name, err)
		}
		return schemas.Succeeded("filled %s", name)
	case schemas.ActionClick:
		if err := e.page.Click(ctx, target.Node); err != nil {
			e.logger.Debug("Click failed.", zap.String("target", name), zap.Error(err))
			return schemas.Failed("could not click %s: %v", name, err)
		}
		return schemas.Succeeded("clicked %s", name)
	}
	return schemas.Failed("unsupported action %s", cmd.Type)
}

// ReadValue resolves target and returns its current value or content.
func (e *Executor) ReadValue(ctx context.Context, target string) (string, schemas.ActionResult) {
	name := schemas.NormalizeName(target)
	t, ok := e.Resolve(ctx, name)
	if !ok {
		return "", schemas.Failed("target not found: %s", name)
	}
	v, err := e.page.Value(ctx, t.Node)
	if err != nil {
		return "", schemas.Failed("could not read %s: %v", name, err)
	}
	res := schemas.Succeeded("read %s", name)
	res.Data = v
	return v, res
}

// Target is a resolved element.
type Target struct {
	Node     *page.Node
	Selector string
	// Name is the capability name the target was found under: the matched
	// scan name, or the remembered name for memory hits.
	Name string
	Via  Resolution
}

// Resolve finds the live element for name: a remembered selector that
// still resolves, otherwise the best fuzzy match from a fresh scan. The
// outcome is always reported to the learner, keyed by the capability name
// that was chosen so future rankings can favor it.
func (e *Executor) Resolve(ctx context.Context, name string) (Target, bool) {
	name = schemas.NormalizeName(name)
	route := e.route(ctx)

	t, ok := e.resolve(ctx, route, name)
	if e.learner != nil {
		key := name
		if ok && t.Name != "" {
			key = t.Name
		}
		e.learner.Record(key, route, ok, learningSource)
	}
	if ok {
		e.logger.Debug("Resolved target.",
			zap.String("target", name),
			zap.String("route", route),
			zap.String("selector", t.Selector),
			zap.String("matched", t.Name),
			zap.String("via", string(t.Via)))
	}
	return t, ok
}

func (e *Executor) resolve(ctx context.Context, route, name string) (Target, bool) {
	tree, err := e.page.Tree(ctx)
	if err != nil {
		e.logger.Warn("Page snapshot failed during resolution.", zap.Error(err))
		return Target{}, false
	}

	if sel, found, err := e.memory.Lookup(ctx, route, name); err != nil {
		e.logger.Warn("Selector memory lookup failed; falling back to scan.", zap.Error(err))
	} else if found {
		n, err := page.Resolve(tree, sel)
		switch {
		case err != nil:
			// Stale entries are expected after layout changes.
			e.logger.Debug("Remembered selector no longer resolves.",
				zap.String("target", name), zap.String("selector", sel), zap.Error(err))
		case e.usable(ctx, route, name, sel, n):
			return Target{Node: n, Selector: sel, Name: name, Via: FromMemory}, true
		}
	}

	var tallies map[string]int
	if e.learner != nil {
		tallies = e.learner.SuccessCounts(ctx, route)
	}
	c, ok := Match(e.scanner.ScanTree(ctx, tree), name, tallies)
	if !ok {
		return Target{}, false
	}
	// Only exact names are remembered; a substring hit could shadow a
	// better exact match that appears later.
	if e.cfg.LearnFromScan && c.Name == name {
		md := schemas.EntryMetadata{Kind: c.Kind}
		if err := e.memory.Upsert(ctx, route, name, c.Selector, md); err != nil {
			e.logger.Warn("Failed to remember scanned selector.", zap.String("target", name), zap.Error(err))
		}
	}
	return Target{Node: c.Node, Selector: c.Selector, Name: c.Name, Via: FromScan}, true
}

// usable decides whether a remembered element may be acted on. Visible
// elements always are. A hidden element is only used when the user taught
// it; learned entries pointing at hidden elements fall through to a scan.
func (e *Executor) usable(ctx context.Context, route, name, sel string, n *page.Node) bool {
	geo, err := e.page.Geometry(ctx, n)
	if err == nil && geo.Visible() {
		return true
	}
	entries, lerr := e.memory.List(ctx, route)
	if lerr != nil {
		e.logger.Debug("Could not list selector memory.", zap.Error(lerr))
		return false
	}
	for _, en := range entries {
		if en.Name == name && en.Selector == sel && en.Metadata.Flagged {
			return true
		}
	}
	e.logger.Debug("Remembered element is hidden; falling back to scan.",
		zap.String("target", name), zap.String("selector", sel))
	return false
}

func (e *Executor) route(ctx context.Context) string {
	r, err := e.page.Route(ctx)
	if err != nil {
		e.logger.Debug("Could not read current route.", zap.Error(err))
		return ""
	}
	return r
}

// Match picks the capability best matching name. An exact name match wins
// outright. Otherwise every capability whose name contains name competes,
// ranked by learned success count, then by shortest name, then by document
// order.
func Match(caps []scanner.Capability, name string, tallies map[string]int) (scanner.Capability, bool) {
	name = schemas.NormalizeName(name)
	if name == "" {
		return scanner.Capability{}, false
	}
	for _, c := range caps {
		if c.Name == name {
			return c, true
		}
	}

	var candidates []scanner.Capability
	for _, c := range caps {
		if strings.Contains(c.Name, name) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return scanner.Capability{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := tallies[candidates[i].Name], tallies[candidates[j].Name]
		if ti != tj {
			return ti > tj
		}
		return len([]rune(candidates[i].Name)) < len([]rune(candidates[j].Name))
	})
	return candidates[0], true
}

// Teach stores a user-taught selector for name on the current route. The
// selector must resolve on the live page.
func (e *Executor) Teach(ctx context.Context, name, selector string) schemas.ActionResult {
	name = schemas.NormalizeName(name)
	if name == "" {
		return schemas.Failed("teach requires a name")
	}
	sel, err := page.Parse(selector)
	if err != nil {
		return schemas.Failed("invalid selector: %v", err)
	}
	tree, err := e.page.Tree(ctx)
	if err != nil {
		return schemas.Failed("could not inspect the page: %v", err)
	}
	n, err := sel.Resolve(tree)
	if err != nil {
		if errors.Is(err, page.ErrNoMatch) {
			return schemas.Failed("selector %s matches nothing on this page", selector)
		}
		return schemas.Failed("could not resolve %s: %v", selector, err)
	}

	kind, _ := scanner.Classify(n)
	route := e.route(ctx)
	md := schemas.EntryMetadata{Kind: kind, Flagged: true}
	if err := e.memory.Upsert(ctx, route, name, selector, md); err != nil {
		return schemas.Failed("could not save %s: %v", name, err)
	}
	e.logger.Info("Learned target.", zap.String("target", name), zap.String("route", route), zap.String("selector", selector))
	return schemas.Succeeded("learned %s", name)
}

type summary struct {
	Route   string               `yaml:"route"`
	Fields  []schemas.Capability `yaml:"fields,omitempty"`
	Buttons []schemas.Capability `yaml:"buttons,omitempty"`
}

func (e *Executor) read(ctx context.Context) schemas.ActionResult {
	caps := e.scanner.Scan(ctx)
	s := summary{Route: e.route(ctx)}
	for _, c := range caps {
		if c.Kind == schemas.KindField {
			s.Fields = append(s.Fields, c.Capability)
		} else {
			s.Buttons = append(s.Buttons, c.Capability)
		}
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return schemas.Failed("could not summarize page: %v", err)
	}
	res := schemas.Succeeded("%s", describe(len(s.Fields), len(s.Buttons)))
	res.Data = string(out)
	return res
}

func describe(fields, buttons int) string {
	plural := func(n int, word string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", word)
		}
		return fmt.Sprintf("%d %ss", n, word)
	}
	return fmt.Sprintf("found %s and %s", plural(fields, "field"), plural(buttons, "button"))
}
