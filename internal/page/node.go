// Package page defines the agent's view of a live page: a snapshot tree of
// element nodes, the scan scopes inside it, a small selector language that
// survives re-snapshots, and the Page port implemented by the browser and
// static HTML backends.
package page

import (
	"strings"
)

const (
	// DocumentTag is the tag of a snapshot root.
	DocumentTag = "#document"
	// ShadowRootTag is the tag of an open shadow root fragment.
	ShadowRootTag = "#shadow-root"
	// TextTag marks a text node; its content lives in Text.
	TextTag = "#text"
)

// Node is one node of a page snapshot. The tree is a read-only copy; Ref
// links it back to the backend's live element and is never owned by the
// agent.
type Node struct {
	Tag   string
	Attrs map[string]string
	// Text is only set on text nodes.
	Text     string
	Children []*Node
	// Shadow is the open shadow root attached to this element, if any.
	Shadow *Node
	// Host is set on shadow root fragments and points at the host element.
	Host   *Node
	Parent *Node
	// Ref is the backend handle for the live node.
	Ref any
}

// NewElement builds an element node and links its children.
func NewElement(tag string, attrs map[string]string, children ...*Node) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	n := &Node{Tag: strings.ToLower(tag), Attrs: attrs}
	n.Append(children...)
	return n
}

// NewText builds a text node.
func NewText(text string) *Node {
	return &Node{Tag: TextTag, Text: text}
}

// NewDocument builds a snapshot root.
func NewDocument(children ...*Node) *Node {
	return NewElement(DocumentTag, nil, children...)
}

// Append adds children and links their parent pointer.
func (n *Node) Append(children ...*Node) {
	for _, c := range children {
		if c == nil {
			continue
		}
		c.Parent = n
		n.Children = append(n.Children, c)
	}
}

// AttachShadow attaches an open shadow root holding children and returns it.
func (n *Node) AttachShadow(children ...*Node) *Node {
	root := NewElement(ShadowRootTag, nil, children...)
	root.Host = n
	n.Shadow = root
	return root
}

// IsElement reports whether n is a real element rather than a text node,
// document or shadow root fragment.
func (n *Node) IsElement() bool {
	return n != nil && !strings.HasPrefix(n.Tag, "#")
}

// IsShadowRoot reports whether n is a shadow root fragment.
func (n *Node) IsShadowRoot() bool {
	return n != nil && n.Tag == ShadowRootTag
}

// Attr returns an attribute value and whether it was present.
func (n *Node) Attr(name string) (string, bool) {
	if n == nil || n.Attrs == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

// AttrValue returns the trimmed attribute value, or "" when absent.
func (n *Node) AttrValue(name string) string {
	v, _ := n.Attr(name)
	return strings.TrimSpace(v)
}

// ElementChildren returns the element children in document order.
func (n *Node) ElementChildren() []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if c.IsElement() {
			out = append(out, c)
		}
	}
	return out
}

// NthOfType returns the 1-based position of n among its parent's element
// children sharing its tag. A detached node reports 1.
func (n *Node) NthOfType() int {
	if n.Parent == nil {
		return 1
	}
	idx := 0
	for _, sib := range n.Parent.Children {
		if sib.Tag != n.Tag {
			continue
		}
		idx++
		if sib == n {
			return idx
		}
	}
	return 1
}

// TextContent returns the light-tree text of n with whitespace collapsed.
// Shadow content is not included, matching the platform's textContent.
func (n *Node) TextContent() string {
	var b strings.Builder
	var walk func(*Node)
	walk = func(cur *Node) {
		if cur.Tag == TextTag {
			b.WriteString(cur.Text)
			b.WriteByte(' ')
			return
		}
		switch cur.Tag {
		case "script", "style", "template":
			return
		}
		for _, c := range cur.Children {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// Contains reports whether target is n or one of its light descendants.
func (n *Node) Contains(target *Node) bool {
	for cur := target; cur != nil; cur = cur.Parent {
		if cur == n {
			return true
		}
	}
	return false
}
