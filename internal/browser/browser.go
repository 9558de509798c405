// Package browser talks to a Chromium-based browser over the DevTools
// protocol. It exposes the tab, page, and cookie operations the bridge
// serves, behind a Backend interface so handlers can be tested without
// a running browser.
package browser

import (
	"context"
	"encoding/json"
)

// Tab describes one browser tab.
type Tab struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
	Pinned   bool   `json:"pinned"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	// GroupID is filled in by the caller from group membership; the
	// DevTools protocol has no notion of tab groups.
	GroupID string `json:"groupId,omitempty"`
}

// TabUpdate carries mutable tab fields; nil means unchanged.
type TabUpdate struct {
	URL    *string `json:"url,omitempty"`
	Active *bool   `json:"active,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
	Muted  *bool   `json:"muted,omitempty"`
}

// Cookie represents a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	URL      string  `json:"url,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"` // "Strict", "Lax", "None"
}

// VersionInfo is the browser build information from /json/version.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	UserAgent       string `json:"User-Agent"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Backend is the browser surface the request handlers use.
type Backend interface {
	// ListTabs returns all page targets.
	ListTabs(ctx context.Context) ([]Tab, error)
	// GetTab returns one tab by id.
	GetTab(ctx context.Context, id string) (*Tab, error)
	// CreateTab opens a new tab at url, optionally focusing it.
	CreateTab(ctx context.Context, url string, active bool) (*Tab, error)
	// UpdateTab applies the non-nil fields and returns the new state.
	UpdateTab(ctx context.Context, id string, upd TabUpdate) (*Tab, error)
	// CloseTab closes a tab.
	CloseTab(ctx context.Context, id string) error
	// Navigate points a tab at a new URL.
	Navigate(ctx context.Context, id, url string) error

	// Evaluate runs a JavaScript expression in a tab and returns the
	// JSON-encoded result.
	Evaluate(ctx context.Context, id, expr string) (json.RawMessage, error)
	// HTML returns the tab's current document markup.
	HTML(ctx context.Context, id string) (string, error)
	// Click clicks the first element matching a CSS selector.
	Click(ctx context.Context, id, selector string) error
	// Fill sets the value of the first element matching a CSS selector.
	Fill(ctx context.Context, id, selector, value string) error

	// Cookies returns cookies, optionally filtered to the given URLs.
	Cookies(ctx context.Context, urls []string) ([]Cookie, error)
	// SetCookie stores a cookie.
	SetCookie(ctx context.Context, c Cookie) error

	// Version reports the attached browser's build info.
	Version(ctx context.Context) (*VersionInfo, error)
}
