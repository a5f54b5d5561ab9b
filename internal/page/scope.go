package page

import "iter"

// ScopeKind distinguishes the main document from shadow trees.
type ScopeKind int

const (
	DocumentScope ScopeKind = iota
	ShadowScope
)

func (k ScopeKind) String() string {
	if k == ShadowScope {
		return "shadow"
	}
	return "document"
}

// Scope is one traversable tree: the document, or an open shadow root.
type Scope struct {
	Kind ScopeKind
	// Root is the document node or the shadow root fragment.
	Root *Node
	// Host is the element owning a shadow scope; nil for the document.
	Host *Node
	// Parent is the scope the host lives in; nil for the document.
	Parent *Scope
}

// Scopes yields the document scope followed by every reachable shadow scope
// in depth-first discovery order. Each call walks the tree afresh, so the
// sequence can be ranged over any number of times; it always terminates
// because a snapshot is a finite tree. Frames are never entered.
func Scopes(doc *Node) iter.Seq[Scope] {
	return func(yield func(Scope) bool) {
		if doc == nil {
			return
		}
		var visit func(s *Scope) bool
		visit = func(s *Scope) bool {
			if !yield(*s) {
				return false
			}
			for el := range Elements(*s) {
				if el.Shadow == nil {
					continue
				}
				child := &Scope{Kind: ShadowScope, Root: el.Shadow, Host: el, Parent: s}
				if !visit(child) {
					return false
				}
			}
			return true
		}
		visit(&Scope{Kind: DocumentScope, Root: doc})
	}
}

// Elements yields the elements of a single scope in document order. Shadow
// trees attached inside the scope belong to their own scopes and are not
// descended into.
func Elements(s Scope) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		var walk func(*Node) bool
		walk = func(n *Node) bool {
			for _, c := range n.Children {
				if !c.IsElement() {
					continue
				}
				if !yield(c) {
					return false
				}
				if c.Tag == "iframe" || c.Tag == "frame" {
					continue
				}
				if !walk(c) {
					return false
				}
			}
			return true
		}
		if s.Root != nil {
			walk(s.Root)
		}
	}
}

// ScopeOf returns the root of the scope containing n: the document node or
// the enclosing shadow root fragment.
func ScopeOf(n *Node) *Node {
	cur := n
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// Body returns the first body element of the document, if any.
func Body(doc *Node) *Node {
	for el := range Elements(Scope{Kind: DocumentScope, Root: doc}) {
		if el.Tag == "body" {
			return el
		}
	}
	return nil
}
