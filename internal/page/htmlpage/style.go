package htmlpage

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/rocker/internal/page"
)

// A static document has no layout engine, so boxes are assumed non-empty
// unless an inline style says otherwise.
const (
	assumedWidth  = 120
	assumedHeight = 24
)

// parseStyle reads an inline style attribute into lower-cased declarations.
func parseStyle(n *html.Node) map[string]string {
	out := map[string]string{}
	raw, ok := attr(n, "style")
	if !ok {
		return out
	}
	for _, decl := range strings.Split(raw, ";") {
		prop, value, found := strings.Cut(decl, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		out[strings.ToLower(strings.TrimSpace(prop))] = strings.ToLower(value)
	}
	return out
}

// length parses a CSS length in px (or unitless). Relative units are taken
// as non-zero because they cannot be resolved without layout.
func length(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" || v == "auto" {
		return 0, false
	}
	num := strings.TrimSuffix(v, "px")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isShadowTemplate(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Data != "template" {
		return false
	}
	mode, ok := attr(n, "shadowrootmode")
	if !ok {
		mode, ok = attr(n, "shadowroot")
	}
	return ok && strings.EqualFold(mode, "open")
}

func hiddenByAttribute(n *html.Node) bool {
	if _, ok := attr(n, "hidden"); ok {
		return true
	}
	if n.Data == "input" {
		t, _ := attr(n, "type")
		return strings.EqualFold(t, "hidden")
	}
	return false
}

// computeGeometry derives a Geometry from inline styles. display:none on any
// ancestor collapses the box, and visibility inherits from the nearest
// ancestor that sets it, mirroring the cascade for those two properties.
func computeGeometry(n *html.Node) page.Geometry {
	g := page.Geometry{Width: assumedWidth, Height: assumedHeight, Display: "inline-block", Visibility: "visible"}

	own := parseStyle(n)
	if d, ok := own["display"]; ok {
		g.Display = d
	}
	if hiddenByAttribute(n) {
		g.Display = "none"
	}
	if w, ok := length(own["width"]); ok {
		g.Width = w
	}
	if h, ok := length(own["height"]); ok {
		g.Height = h
	}
	if g.Display == "none" {
		g.Width, g.Height = 0, 0
	}

	visibilitySet := false
	if v, ok := own["visibility"]; ok {
		g.Visibility = v
		visibilitySet = true
	}

	for anc := n.Parent; anc != nil; anc = anc.Parent {
		if anc.Type != html.ElementNode || isShadowTemplate(anc) {
			continue
		}
		style := parseStyle(anc)
		if style["display"] == "none" || hiddenByAttribute(anc) {
			g.Width, g.Height = 0, 0
		}
		if !visibilitySet {
			if v, ok := style["visibility"]; ok {
				g.Visibility = v
				visibilitySet = true
			}
		}
	}
	return g
}
