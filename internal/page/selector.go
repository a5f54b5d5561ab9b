package page

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// The selector language is the small subset of CSS the scanner emits, plus a
// shadow piercing combinator:
//
//	#id                      element with that id
//	[attr="value"]           element whose attribute equals value
//	tag                      element with that tag
//	tag:nth-of-type(n)       n-th sibling of that tag, 1-based
//	:scope                   the root of the current scope
//	a > b                    b is an element child of a
//	host >>> inner           inner is resolved inside host's shadow root
//
// The first compound of a chain matches anywhere inside its scope; the rest
// must be direct children.

var (
	// ErrNoMatch is returned when a well formed selector resolves to nothing.
	ErrNoMatch = errors.New("selector matched no element")
	// ErrBadSelector is returned when a selector cannot be parsed.
	ErrBadSelector = errors.New("malformed selector")
)

// ScopeSelector anchors a path at the root of the current scope.
const ScopeSelector = ":scope"

const (
	childCombinator  = " > "
	shadowCombinator = " >>> "
)

type compoundKind int

const (
	matchID compoundKind = iota
	matchAttr
	matchTag
	matchNth
	matchScope
)

type compound struct {
	kind  compoundKind
	tag   string
	attr  string
	value string
	nth   int
}

type chain []compound

// Selector is a parsed, reusable selector.
type Selector struct {
	raw      string
	segments []chain
}

// Parse compiles a selector string.
func Parse(s string) (*Selector, error) {
	p := &parser{src: s}
	segments, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Selector{raw: s, segments: segments}, nil
}

func (s *Selector) String() string { return s.raw }

// Resolve returns the first element in document order matched by selector.
func Resolve(doc *Node, selector string) (*Node, error) {
	sel, err := Parse(selector)
	if err != nil {
		return nil, err
	}
	return sel.Resolve(doc)
}

// Resolve returns the first element in document order matched by s.
func (s *Selector) Resolve(doc *Node) (*Node, error) {
	if doc != nil {
		if n := resolveSegments(doc, s.segments); n != nil {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatch, s.raw)
}

func resolveSegments(root *Node, segments []chain) *Node {
	head, rest := segments[0], segments[1:]
	for n := range matchChain(root, head) {
		if len(rest) == 0 {
			return n
		}
		if n.Shadow == nil {
			continue
		}
		if found := resolveSegments(n.Shadow, rest); found != nil {
			return found
		}
	}
	return nil
}

func matchChain(root *Node, c chain) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		var descend func(n *Node, rest chain) bool
		descend = func(n *Node, rest chain) bool {
			if len(rest) == 0 {
				return yield(n)
			}
			for _, child := range n.Children {
				if child.IsElement() && rest[0].matches(child, root) {
					if !descend(child, rest[1:]) {
						return false
					}
				}
			}
			return true
		}

		if c[0].kind == matchScope {
			descend(root, c[1:])
			return
		}
		for el := range Elements(Scope{Root: root}) {
			if c[0].matches(el, root) && !descend(el, c[1:]) {
				return
			}
		}
	}
}

func (c compound) matches(n, root *Node) bool {
	switch c.kind {
	case matchID:
		v, ok := n.Attr("id")
		return ok && v == c.value
	case matchAttr:
		v, ok := n.Attr(c.attr)
		return ok && v == c.value
	case matchTag:
		return n.Tag == c.tag
	case matchNth:
		return n.Tag == c.tag && n.NthOfType() == c.nth
	case matchScope:
		return n == root
	}
	return false
}

// -- Formatting --

// IDSelector formats an id selector, falling back to the attribute form for
// ids that are not plain identifiers.
func IDSelector(id string) string {
	if isIdent(id) {
		return "#" + id
	}
	return AttrSelector("id", id)
}

// AttrSelector formats an attribute equality selector.
func AttrSelector(attr, value string) string {
	return "[" + attr + "=" + quote(value) + "]"
}

// NthOfTypeSelector formats a positional selector.
func NthOfTypeSelector(tag string, n int) string {
	return tag + ":nth-of-type(" + strconv.Itoa(n) + ")"
}

// ChildPath joins compounds with the child combinator.
func ChildPath(parts ...string) string {
	return strings.Join(parts, childCombinator)
}

// Pierce joins a host selector and a selector inside its shadow root.
func Pierce(host, inner string) string {
	return host + shadowCombinator + inner
}

func quote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	// CSS identifiers cannot start with a digit.
	return s[0] < '0' || s[0] > '9'
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// -- Parsing --

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrBadSelector, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) parse() ([]chain, error) {
	var segments []chain
	var cur chain
	for {
		p.skipSpace()
		c, err := p.compound()
		if err != nil {
			return nil, err
		}
		cur = append(cur, c)
		p.skipSpace()
		if p.eof() {
			return append(segments, cur), nil
		}
		switch {
		case strings.HasPrefix(p.src[p.pos:], ">>>"):
			p.pos += 3
			segments = append(segments, cur)
			cur = nil
		case p.src[p.pos] == '>':
			p.pos++
		default:
			return nil, p.errorf("unexpected %q", p.src[p.pos])
		}
	}
}

func (p *parser) compound() (compound, error) {
	if p.eof() {
		return compound{}, p.errorf("missing selector")
	}
	switch p.src[p.pos] {
	case '#':
		p.pos++
		id := p.ident()
		if id == "" {
			return compound{}, p.errorf("empty id")
		}
		return compound{kind: matchID, value: id}, nil
	case '[':
		p.pos++
		attr := p.attrName()
		if attr == "" {
			return compound{}, p.errorf("empty attribute name")
		}
		if p.eof() || p.src[p.pos] != '=' {
			return compound{}, p.errorf("expected '='")
		}
		p.pos++
		value, err := p.quoted()
		if err != nil {
			return compound{}, err
		}
		if p.eof() || p.src[p.pos] != ']' {
			return compound{}, p.errorf("expected ']'")
		}
		p.pos++
		return compound{kind: matchAttr, attr: attr, value: value}, nil
	case ':':
		if strings.HasPrefix(p.src[p.pos:], ScopeSelector) {
			p.pos += len(ScopeSelector)
			return compound{kind: matchScope}, nil
		}
		return compound{}, p.errorf("unsupported pseudo-class")
	}

	tag := strings.ToLower(p.ident())
	if tag == "" {
		return compound{}, p.errorf("unexpected %q", p.src[p.pos])
	}
	const nthPrefix = ":nth-of-type("
	if !strings.HasPrefix(p.src[p.pos:], nthPrefix) {
		return compound{kind: matchTag, tag: tag}, nil
	}
	p.pos += len(nthPrefix)
	start := p.pos
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil || n < 1 {
		return compound{}, p.errorf("bad nth-of-type index")
	}
	if p.eof() || p.src[p.pos] != ')' {
		return compound{}, p.errorf("expected ')'")
	}
	p.pos++
	return compound{kind: matchNth, tag: tag, nth: n}, nil
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) attrName() string {
	start := p.pos
	for !p.eof() && (isIdentByte(p.src[p.pos]) || p.src[p.pos] == ':' || p.src[p.pos] == '.') {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) quoted() (string, error) {
	if p.eof() || p.src[p.pos] != '"' {
		return "", p.errorf("expected quoted value")
	}
	p.pos++
	var b strings.Builder
	for !p.eof() {
		ch := p.src[p.pos]
		switch ch {
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", p.errorf("dangling escape")
			}
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
	return "", p.errorf("unterminated value")
}
