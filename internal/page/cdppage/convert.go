package cdppage

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/rocker/internal/page"
)

// convert copies a pierced DOM.getDocument tree into a page snapshot. Open
// shadow roots become attached shadow fragments; closed and user-agent roots
// stay invisible, as they are to page scripts. Frame documents and template
// content are never copied.
func convert(src *cdp.Node) *page.Node {
	if src == nil {
		return nil
	}
	switch src.NodeType {
	case cdp.NodeTypeDocument:
		doc := page.NewDocument()
		doc.Ref = src.BackendNodeID
		appendChildren(doc, src)
		return doc
	case cdp.NodeTypeText:
		t := page.NewText(src.NodeValue)
		t.Ref = src.BackendNodeID
		return t
	case cdp.NodeTypeElement:
		el := page.NewElement(tagName(src), attributeMap(src))
		el.Ref = src.BackendNodeID
		for _, sr := range src.ShadowRoots {
			if sr.ShadowRootType != cdp.ShadowRootTypeOpen || el.Shadow != nil {
				continue
			}
			shadow := el.AttachShadow()
			shadow.Ref = sr.BackendNodeID
			appendChildren(shadow, sr)
		}
		switch el.Tag {
		case "iframe", "frame", "template":
			return el
		}
		appendChildren(el, src)
		return el
	}
	return nil
}

func appendChildren(dst *page.Node, src *cdp.Node) {
	for _, c := range src.Children {
		if n := convert(c); n != nil {
			dst.Append(n)
		}
	}
}

func tagName(n *cdp.Node) string {
	if n.LocalName != "" {
		return strings.ToLower(n.LocalName)
	}
	return strings.ToLower(n.NodeName)
}

// attributeMap turns the flattened [name, value, ...] list into a map.
func attributeMap(n *cdp.Node) map[string]string {
	attrs := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		attrs[n.Attributes[i]] = n.Attributes[i+1]
	}
	return attrs
}
