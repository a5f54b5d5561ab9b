// Package scanner discovers the interactive elements of a page: editable
// fields and activatable buttons that are actually visible, each with a
// derived human name and a selector that can be resolved again later.
package scanner

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
)

// Capability is a discovered element together with its live node.
type Capability struct {
	schemas.Capability
	// Node references the page's element; the scanner never owns it.
	Node  *page.Node
	Scope page.ScopeKind
}

// Scanner produces capability snapshots. It only reads from the page.
type Scanner struct {
	page   page.Page
	cfg    config.ScannerConfig
	logger *zap.Logger
}

// New creates a Scanner over p.
func New(p page.Page, cfg config.ScannerConfig, logger *zap.Logger) *Scanner {
	if cfg.TagAttribute == "" {
		cfg.TagAttribute = "data-rocker"
	}
	if cfg.MaxNameRunes <= 0 {
		cfg.MaxNameRunes = 80
	}
	if cfg.MaxPathDepth <= 0 {
		cfg.MaxPathDepth = 4
	}
	return &Scanner{page: p, cfg: cfg, logger: logger.Named("scanner")}
}

// Page returns the page the scanner reads.
func (s *Scanner) Page() page.Page { return s.page }

// Scan snapshots the page and returns its visible capabilities. It never
// fails: a snapshot error yields an empty result.
func (s *Scanner) Scan(ctx context.Context) []Capability {
	tree, err := s.page.Tree(ctx)
	if err != nil {
		s.logger.Warn("Page snapshot failed; reporting no capabilities.", zap.Error(err))
		return nil
	}
	return s.ScanTree(ctx, tree)
}

// ScanTree extracts capabilities from an existing snapshot. Elements whose
// geometry cannot be inspected, for example because they were detached
// mid-scan, are skipped.
func (s *Scanner) ScanTree(ctx context.Context, tree *page.Node) []Capability {
	start := time.Now()
	var caps []Capability
	hostSelectors := map[*page.Node]string{}
	skipped := 0

	for scope := range page.Scopes(tree) {
		prefix := ""
		if scope.Kind == page.ShadowScope {
			prefix = s.hostSelector(scope, hostSelectors)
		}
		for el := range page.Elements(scope) {
			kind, ok := Classify(el)
			if !ok {
				continue
			}
			geo, err := s.page.Geometry(ctx, el)
			if err != nil {
				skipped++
				continue
			}
			if !geo.Visible() {
				continue
			}
			selector := s.localSelector(el, scope.Root)
			if prefix != "" {
				selector = page.Pierce(prefix, selector)
			}
			caps = append(caps, Capability{
				Capability: schemas.Capability{
					Kind:     kind,
					Name:     s.DeriveName(el, kind),
					Selector: selector,
				},
				Node:  el,
				Scope: scope.Kind,
			})
		}
	}

	s.logger.Debug("Scan complete.",
		zap.Int("capabilities", len(caps)),
		zap.Int("skipped", skipped),
		zap.Duration("took", time.Since(start)))
	return caps
}

// hostSelector returns the full selector of a shadow scope's host, piercing
// through any enclosing shadow scopes.
func (s *Scanner) hostSelector(scope page.Scope, memo map[*page.Node]string) string {
	if sel, ok := memo[scope.Host]; ok {
		return sel
	}
	sel := s.localSelector(scope.Host, scope.Parent.Root)
	if scope.Parent.Kind == page.ShadowScope {
		sel = page.Pierce(s.hostSelector(*scope.Parent, memo), sel)
	}
	memo[scope.Host] = sel
	return sel
}

// -- Classification --

var nonTextInputs = map[string]bool{
	"hidden": true, "checkbox": true, "radio": true, "file": true,
	"range": true, "color": true, "image": true,
}

var buttonInputs = map[string]bool{"submit": true, "button": true, "reset": true}

// Classify decides whether n is a field, a button, or neither.
func Classify(n *page.Node) (schemas.CapabilityKind, bool) {
	switch n.Tag {
	case "input":
		t := strings.ToLower(n.AttrValue("type"))
		if buttonInputs[t] {
			return schemas.KindButton, true
		}
		if nonTextInputs[t] {
			return "", false
		}
		return schemas.KindField, true
	case "textarea":
		return schemas.KindField, true
	case "button", "a":
		return schemas.KindButton, true
	}
	if isContentEditable(n) {
		return schemas.KindField, true
	}
	if strings.EqualFold(n.AttrValue("role"), "button") {
		return schemas.KindButton, true
	}
	return "", false
}

func isContentEditable(n *page.Node) bool {
	v, ok := n.Attr("contenteditable")
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "plaintext-only":
		return true
	}
	return false
}

// -- Naming --

// DeriveName applies the fixed naming precedence: capability tag, then
// accessibility label, then placeholder (fields) or visible text (buttons),
// then the field's name attribute, then "unnamed <kind>".
func (s *Scanner) DeriveName(n *page.Node, kind schemas.CapabilityKind) string {
	candidates := []string{n.AttrValue(s.cfg.TagAttribute), n.AttrValue("aria-label")}
	if kind == schemas.KindField {
		candidates = append(candidates, n.AttrValue("placeholder"), n.AttrValue("name"))
	} else {
		candidates = append(candidates, buttonText(n))
	}
	for _, c := range candidates {
		if name := s.clip(schemas.NormalizeName(c)); name != "" {
			return name
		}
	}
	return "unnamed " + string(kind)
}

func buttonText(n *page.Node) string {
	if n.Tag == "input" {
		if v := n.AttrValue("value"); v != "" {
			return v
		}
		// Browsers render these defaults when no value is given.
		switch strings.ToLower(n.AttrValue("type")) {
		case "submit":
			return "submit"
		case "reset":
			return "reset"
		}
		return ""
	}
	return n.TextContent()
}

func (s *Scanner) clip(name string) string {
	if utf8.RuneCountInString(name) <= s.cfg.MaxNameRunes {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:s.cfg.MaxNameRunes]))
}

// -- Selectors --

// identify returns the highest priority stable identifier selector for n:
// id, then capability tag, then accessibility label.
func (s *Scanner) identify(n *page.Node) (string, bool) {
	for _, attr := range []string{"id", s.cfg.TagAttribute, "aria-label"} {
		v, ok := n.Attr(attr)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if attr == "id" {
			return page.IDSelector(v), true
		}
		return page.AttrSelector(attr, v), true
	}
	return "", false
}

// localSelector builds a selector for n valid inside the scope rooted at
// root. Without an identifier of its own, n gets a positional path of at
// most MaxPathDepth ancestors, anchored at the first identified ancestor,
// the body, or the scope root. A path that runs out of depth is left
// unanchored.
func (s *Scanner) localSelector(n, root *page.Node) string {
	if sel, ok := s.identify(n); ok {
		return sel
	}
	parts := []string{page.NthOfTypeSelector(n.Tag, n.NthOfType())}
	cur := n.Parent
	for depth := 0; depth < s.cfg.MaxPathDepth; depth++ {
		if cur == nil || cur == root || !cur.IsElement() {
			parts = append(parts, page.ScopeSelector)
			break
		}
		if sel, ok := s.identify(cur); ok {
			parts = append(parts, sel)
			break
		}
		if cur.Tag == "body" {
			parts = append(parts, "body")
			break
		}
		parts = append(parts, page.NthOfTypeSelector(cur.Tag, cur.NthOfType()))
		cur = cur.Parent
	}
	// parts were collected leaf first.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return page.ChildPath(parts...)
}
