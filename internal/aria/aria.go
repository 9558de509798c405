// Package aria extracts a flattened list of interactive elements from an
// HTML document, assigning each a per-extraction reference id (@e1, @e2,
// ...) that scripted-interaction methods accept as a selector. Ref ids
// are only stable within one extraction; callers must re-snapshot after
// the document mutates.
package aria

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxNameLen caps a node name resolved from visible text.
const maxNameLen = 100

// Node is one interactive element in document order.
type Node struct {
	RefID     string `json:"ref_id"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	Focusable bool   `json:"focusable"`
	Value     any    `json:"value"`
	// Selector locates the element for click/fill dispatch. Internal,
	// not part of the snapshot payload.
	Selector string `json:"-"`
}

// Snapshot is the full extraction result.
type Snapshot struct {
	Elements     []Node `json:"elements"`
	ElementCount int    `json:"element_count"`
}

// interactiveTags is the fixed tag whitelist.
var interactiveTags = map[string]bool{
	"button":   true,
	"a":        true,
	"input":    true,
	"select":   true,
	"textarea": true,
}

// interactiveRoles is the fixed explicit-role whitelist.
var interactiveRoles = map[string]bool{
	"button":    true,
	"link":      true,
	"textbox":   true,
	"checkbox":  true,
	"radio":     true,
	"combobox":  true,
	"listbox":   true,
	"searchbox": true,
}

// Extract walks the document in order and returns every interactive
// element. Pure: no side effects, idempotent for a stable document.
func Extract(markup string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	snap := &Snapshot{Elements: []Node{}}
	counter := 0

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if !isInteractive(sel) {
			return
		}
		counter++
		snap.Elements = append(snap.Elements, Node{
			RefID:     fmt.Sprintf("@e%d", counter),
			Role:      roleFor(sel),
			Name:      nameFor(sel),
			Focusable: isFocusable(sel),
			Value:     valueFor(sel),
			Selector:  selectorFor(sel),
		})
	})

	snap.ElementCount = counter
	return snap, nil
}

func isInteractive(sel *goquery.Selection) bool {
	if role, ok := sel.Attr("role"); ok && interactiveRoles[strings.ToLower(strings.TrimSpace(role))] {
		return true
	}
	if interactiveTags[goquery.NodeName(sel)] {
		return true
	}
	if _, ok := sel.Attr("onclick"); ok {
		return true
	}
	return hasTabIndex(sel)
}

// hasTabIndex reports an explicit non-negative tabindex.
func hasTabIndex(sel *goquery.Selection) bool {
	raw, ok := sel.Attr("tabindex")
	if !ok {
		return false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(raw))
	return err == nil && idx >= 0
}

// roleFor resolves a node's role: explicit attribute first, then a
// tag-derived default.
func roleFor(sel *goquery.Selection) string {
	if role, ok := sel.Attr("role"); ok {
		if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
			return r
		}
	}

	switch goquery.NodeName(sel) {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(sel.AttrOr("type", "text")) {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		case "search":
			return "searchbox"
		case "number":
			return "spinbutton"
		case "button", "submit", "reset":
			return "button"
		default:
			return "textbox"
		}
	default:
		return "generic"
	}
}

// nameFor resolves the display name by priority: aria-label, visible
// text (truncated), title, empty.
func nameFor(sel *goquery.Selection) string {
	if label, ok := sel.Attr("aria-label"); ok {
		if l := strings.TrimSpace(label); l != "" {
			return l
		}
	}
	if text := strings.TrimSpace(sel.Text()); text != "" {
		return truncate(text, maxNameLen)
	}
	if title, ok := sel.Attr("title"); ok {
		return strings.TrimSpace(title)
	}
	return ""
}

// truncate caps s at n characters, never splitting a rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// isFocusable reports whether the element participates in tab order.
func isFocusable(sel *goquery.Selection) bool {
	if hasTabIndex(sel) {
		return true
	}
	switch goquery.NodeName(sel) {
	case "button", "input", "select", "textarea":
		return true
	case "a":
		_, ok := sel.Attr("href")
		return ok
	default:
		return false
	}
}

// selectorFor builds a CSS path to the element. An id attribute wins;
// otherwise the path is anchored by nth-child positions from the root.
func selectorFor(sel *goquery.Selection) string {
	n := sel.Get(0)
	if n == nil {
		return ""
	}
	if id := nodeAttr(n, "id"); id != "" {
		return "#" + id
	}

	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := nodeAttr(cur, "id"); id != "" {
			parts = append([]string{"#" + id}, parts...)
			return strings.Join(parts, " > ")
		}
		pos := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode {
				pos++
			}
		}
		parts = append([]string{fmt.Sprintf("%s:nth-child(%d)", cur.Data, pos)}, parts...)
	}
	return strings.Join(parts, " > ")
}

func nodeAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// valueFor returns the current value for value-bearing controls, nil
// otherwise.
func valueFor(sel *goquery.Selection) any {
	switch goquery.NodeName(sel) {
	case "input":
		if v, ok := sel.Attr("value"); ok {
			return v
		}
		return nil
	case "textarea":
		if text := strings.TrimSpace(sel.Text()); text != "" {
			return text
		}
		return nil
	case "select":
		if v, ok := sel.Find("option[selected]").First().Attr("value"); ok {
			return v
		}
		return nil
	default:
		return nil
	}
}
