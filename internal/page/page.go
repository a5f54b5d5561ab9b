package page

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDetached is returned when a node from an older snapshot no longer maps
// to a live element.
var ErrDetached = errors.New("node is detached from the page")

// Geometry is the layout and computed style facts the visibility filter needs.
type Geometry struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
}

// Visible reports whether an element with this geometry can be seen: a
// non-zero box that is neither display:none nor visibility:hidden.
func (g Geometry) Visible() bool {
	if g.Width <= 0 || g.Height <= 0 {
		return false
	}
	if strings.EqualFold(g.Display, "none") {
		return false
	}
	switch strings.ToLower(g.Visibility) {
	case "hidden", "collapse":
		return false
	}
	return true
}

// ScrollDirection is a page scroll request.
type ScrollDirection string

const (
	ScrollUp     ScrollDirection = "up"
	ScrollDown   ScrollDirection = "down"
	ScrollTop    ScrollDirection = "top"
	ScrollBottom ScrollDirection = "bottom"
)

// ParseScrollDirection accepts the direction words the router understands.
func ParseScrollDirection(s string) (ScrollDirection, error) {
	switch d := ScrollDirection(strings.ToLower(strings.TrimSpace(s))); d {
	case ScrollUp, ScrollDown, ScrollTop, ScrollBottom:
		return d, nil
	}
	return "", fmt.Errorf("unknown scroll direction %q", s)
}

// Page is the port through which the agent observes and acts on a page.
// Implementations must be safe for concurrent use.
type Page interface {
	// Route returns the path of the current location, e.g. "/feed".
	Route(ctx context.Context) (string, error)
	// Tree snapshots the document including open shadow roots.
	Tree(ctx context.Context) (*Node, error)
	// Geometry inspects the element's box and computed style.
	Geometry(ctx context.Context, n *Node) (Geometry, error)
	// SetValue writes the value (or content, for editable regions) and
	// dispatches input and change events so page scripts observe it.
	SetValue(ctx context.Context, n *Node, value string) error
	// Value reads the element's current value or content back.
	Value(ctx context.Context, n *Node) (string, error)
	// Click dispatches a synthetic activation on the element.
	Click(ctx context.Context, n *Node) error
	// Navigate moves the page to route.
	Navigate(ctx context.Context, route string) error
	// Scroll scrolls the main viewport.
	Scroll(ctx context.Context, dir ScrollDirection) error
}
