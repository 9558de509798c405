// Package handlers implements the capability handlers behind the
// request router: tab lifecycle, tab grouping, scripted interaction,
// cookies, key-value storage, notifications, and the utility methods.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabbridge/tabbridge/internal/aria"
	"github.com/tabbridge/tabbridge/internal/browser"
	"github.com/tabbridge/tabbridge/internal/groups"
	"github.com/tabbridge/tabbridge/internal/notify"
	"github.com/tabbridge/tabbridge/internal/router"
	"github.com/tabbridge/tabbridge/internal/store"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// Deps are the components the handlers dispatch into.
type Deps struct {
	Backend  browser.Backend
	Store    *store.Store
	Groups   *groups.Coordinator
	Notifier notify.Notifier
	Version  string
	Logger   *slog.Logger
}

// Service owns per-connection handler state: the ref-id table from the
// last accessibility snapshot of each tab.
type Service struct {
	Deps
	started time.Time

	mu   sync.Mutex
	refs map[string]map[string]string // tab id -> ref id -> selector
}

// NewService creates the handler set.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "handlers")
	}
	return &Service{
		Deps:    d,
		started: time.Now(),
		refs:    make(map[string]map[string]string),
	}
}

// Register installs every handler on the router. Registration order is
// the advertised capability order.
func (s *Service) Register(r *router.Router) {
	r.Register("tabs.create", s.tabsCreate)
	r.Register("tabs.update", s.tabsUpdate)
	r.Register("tabs.remove", s.tabsRemove)
	r.Register("tabs.query", s.tabsQuery)
	r.Register("tabs.get", s.tabsGet)
	r.Register("tabs.navigate", s.tabsNavigate)

	r.Register("tabs.group", s.tabsGroup)
	r.Register("tabs.ungroup", s.tabsUngroup)
	r.Register("tabGroups.update", s.tabGroupsUpdate)
	r.Register("tabGroups.query", s.tabGroupsQuery)
	r.Register("tabGroups.collapse", s.tabGroupsCollapse)

	r.Register("page.execute", s.pageExecute)
	r.Register("page.snapshot", s.pageSnapshot)
	r.Register("page.click", s.pageClick)
	r.Register("page.fill", s.pageFill)

	r.Register("cookies.get", s.cookiesGet)
	r.Register("cookies.getAll", s.cookiesGetAll)
	r.Register("cookies.set", s.cookiesSet)

	r.Register("storage.get", s.storageGet)
	r.Register("storage.set", s.storageSet)

	r.Register("notifications.create", s.notificationsCreate)

	r.Register("health", s.health)
	r.Register("capabilities", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return r.Capabilities(), nil
	})
	r.Register("version", s.version)
}

// ResetSession drops per-connection state. Called when a new control
// session starts.
func (s *Service) ResetSession() {
	s.mu.Lock()
	s.refs = make(map[string]map[string]string)
	s.mu.Unlock()
	if s.Groups != nil {
		s.Groups.Reset()
	}
}

// --- tab lifecycle ---

func (s *Service) tabsCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		URL       string `json:"url"`
		Active    *bool  `json:"active"`
		AutoGroup *bool  `json:"autoGroup"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	tab, err := s.Backend.CreateTab(ctx, p.URL, optBool(p.Active, true))
	if err != nil {
		return nil, err
	}

	// Grouping is auxiliary: a failure is logged, never propagated.
	if optBool(p.AutoGroup, true) {
		groupID, err := s.Groups.Collect(ctx, []string{tab.ID})
		if err != nil {
			s.Logger.Warn("auto-grouping failed", "tab", tab.ID, "error", err)
		} else {
			tab.GroupID = groupID
		}
	}
	return tab, nil
}

func (s *Service) tabsUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
		browser.TabUpdate
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, fmt.Errorf("tabId is required")
	}

	tab, err := s.Backend.UpdateTab(ctx, p.TabID, p.TabUpdate)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, tab)
}

func (s *Service) tabsRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID  string   `json:"tabId"`
		TabIDs []string `json:"tabIds"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	ids := p.TabIDs
	if p.TabID != "" {
		ids = append(ids, p.TabID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("tabId or tabIds is required")
	}

	for _, id := range ids {
		if err := s.Backend.CloseTab(ctx, id); err != nil {
			return nil, err
		}
		s.dropRefs(id)
	}
	if err := s.Groups.Release(ctx, ids); err != nil {
		s.Logger.Warn("membership cleanup failed", "tabs", ids, "error", err)
	}
	return map[string]any{"closed": ids}, nil
}

func (s *Service) tabsQuery(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Active  *bool   `json:"active"`
		URL     *string `json:"url"`
		GroupID *string `json:"groupId"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	tabs, err := s.Backend.ListTabs(ctx)
	if err != nil {
		return nil, err
	}

	matched := []browser.Tab{}
	for _, tab := range tabs {
		groupID, err := s.Store.GroupOf(ctx, tab.ID)
		if err != nil {
			return nil, err
		}
		tab.GroupID = groupID

		if p.Active != nil && tab.Active != *p.Active {
			continue
		}
		if p.URL != nil && !strings.Contains(tab.URL, *p.URL) {
			continue
		}
		if p.GroupID != nil && tab.GroupID != *p.GroupID {
			continue
		}
		matched = append(matched, tab)
	}
	return matched, nil
}

func (s *Service) tabsGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, fmt.Errorf("tabId is required")
	}

	tab, err := s.Backend.GetTab(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, tab)
}

func (s *Service) tabsNavigate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
		URL   string `json:"url"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" || p.URL == "" {
		return nil, fmt.Errorf("tabId and url are required")
	}

	if err := s.Backend.Navigate(ctx, p.TabID, p.URL); err != nil {
		return nil, err
	}
	// Refs are per-document; navigation invalidates them.
	s.dropRefs(p.TabID)

	tab, err := s.Backend.GetTab(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, tab)
}

// annotate fills in the tab's group membership.
func (s *Service) annotate(ctx context.Context, tab *browser.Tab) (*browser.Tab, error) {
	groupID, err := s.Store.GroupOf(ctx, tab.ID)
	if err != nil {
		return nil, err
	}
	tab.GroupID = groupID
	return tab, nil
}

// --- tab grouping ---

func (s *Service) tabsGroup(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabIDs  []string `json:"tabIds"`
		GroupID string   `json:"groupId"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.TabIDs) == 0 {
		return nil, fmt.Errorf("tabIds is required")
	}

	groupID := p.GroupID
	if groupID != "" {
		if _, err := s.Store.GetGroup(ctx, groupID); err != nil {
			return nil, fmt.Errorf("group %s: %w", groupID, err)
		}
		if err := s.Store.AssignTabs(ctx, groupID, p.TabIDs); err != nil {
			return nil, err
		}
	} else {
		var err error
		groupID, err = s.Groups.Collect(ctx, p.TabIDs)
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"groupId": groupID}, nil
}

func (s *Service) tabsUngroup(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabIDs []string `json:"tabIds"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.TabIDs) == 0 {
		return nil, fmt.Errorf("tabIds is required")
	}
	if err := s.Groups.Release(ctx, p.TabIDs); err != nil {
		return nil, err
	}
	return map[string]any{"ungrouped": p.TabIDs}, nil
}

// groupResult is the provider-native group object plus membership.
type groupResult struct {
	store.Group
	TabIDs []string `json:"tabIds"`
}

func (s *Service) groupResult(ctx context.Context, g *store.Group) (*groupResult, error) {
	tabs, err := s.Store.TabsIn(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if tabs == nil {
		tabs = []string{}
	}
	return &groupResult{Group: *g, TabIDs: tabs}, nil
}

func (s *Service) tabGroupsUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		GroupID   string  `json:"groupId"`
		Title     *string `json:"title"`
		Color     *string `json:"color"`
		Collapsed *bool   `json:"collapsed"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.GroupID == "" {
		return nil, fmt.Errorf("groupId is required")
	}

	g, err := s.Store.UpdateGroup(ctx, p.GroupID, store.GroupUpdate{
		Name:      p.Title,
		Color:     p.Color,
		Collapsed: p.Collapsed,
	})
	if err != nil {
		return nil, err
	}
	return s.groupResult(ctx, g)
}

func (s *Service) tabGroupsQuery(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Title     *string `json:"title"`
		Collapsed *bool   `json:"collapsed"`
		WindowID  *int    `json:"windowId"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	gs, err := s.Store.QueryGroups(ctx, store.GroupFilter{
		Name:      p.Title,
		Collapsed: p.Collapsed,
		WindowID:  p.WindowID,
	})
	if err != nil {
		return nil, err
	}

	results := []groupResult{}
	for i := range gs {
		gr, err := s.groupResult(ctx, &gs[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *gr)
	}
	return results, nil
}

func (s *Service) tabGroupsCollapse(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		GroupID   string `json:"groupId"`
		Collapsed *bool  `json:"collapsed"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.GroupID == "" {
		return nil, fmt.Errorf("groupId is required")
	}

	collapsed := optBool(p.Collapsed, true)
	g, err := s.Store.UpdateGroup(ctx, p.GroupID, store.GroupUpdate{Collapsed: &collapsed})
	if err != nil {
		return nil, err
	}
	return s.groupResult(ctx, g)
}

// --- scripted interaction ---

func (s *Service) pageExecute(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
		Code  string `json:"code"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" || p.Code == "" {
		return nil, fmt.Errorf("tabId and code are required")
	}
	return s.Backend.Evaluate(ctx, p.TabID, p.Code)
}

func (s *Service) pageSnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, fmt.Errorf("tabId is required")
	}

	html, err := s.Backend.HTML(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	snap, err := aria.Extract(html)
	if err != nil {
		return nil, err
	}

	refs := make(map[string]string, len(snap.Elements))
	for _, n := range snap.Elements {
		refs[n.RefID] = n.Selector
	}
	s.mu.Lock()
	s.refs[p.TabID] = refs
	s.mu.Unlock()

	return snap, nil
}

func (s *Service) pageClick(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID    string `json:"tabId"`
		Selector string `json:"selector"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	sel, err := s.resolveSelector(p.TabID, p.Selector)
	if err != nil {
		return nil, err
	}
	if err := s.Backend.Click(ctx, p.TabID, sel); err != nil {
		return nil, err
	}
	return map[string]any{"clicked": p.Selector}, nil
}

func (s *Service) pageFill(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID    string `json:"tabId"`
		Selector string `json:"selector"`
		Value    string `json:"value"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	sel, err := s.resolveSelector(p.TabID, p.Selector)
	if err != nil {
		return nil, err
	}
	if err := s.Backend.Fill(ctx, p.TabID, sel, p.Value); err != nil {
		return nil, err
	}
	return map[string]any{"filled": p.Selector}, nil
}

// resolveSelector maps an @eN ref from the last snapshot to its CSS
// selector; plain selectors pass through.
func (s *Service) resolveSelector(tabID, selector string) (string, error) {
	if tabID == "" || selector == "" {
		return "", fmt.Errorf("tabId and selector are required")
	}
	if !strings.HasPrefix(selector, "@") {
		return selector, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.refs[tabID]
	if !ok {
		return "", fmt.Errorf("no snapshot for tab %s; call page.snapshot first", tabID)
	}
	sel, ok := refs[selector]
	if !ok {
		return "", fmt.Errorf("unknown ref %s; refs are valid until the next snapshot or navigation", selector)
	}
	return sel, nil
}

func (s *Service) dropRefs(tabID string) {
	s.mu.Lock()
	delete(s.refs, tabID)
	s.mu.Unlock()
}

// --- cookies ---

func (s *Service) cookiesGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.URL == "" || p.Name == "" {
		return nil, fmt.Errorf("url and name are required")
	}

	cookies, err := s.Backend.Cookies(ctx, []string{p.URL})
	if err != nil {
		return nil, err
	}
	for i := range cookies {
		if cookies[i].Name == p.Name {
			return cookies[i], nil
		}
	}
	return nil, nil
}

func (s *Service) cookiesGetAll(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		URL    string `json:"url"`
		Domain string `json:"domain"`
		Name   string `json:"name"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	var urls []string
	if p.URL != "" {
		urls = []string{p.URL}
	}
	cookies, err := s.Backend.Cookies(ctx, urls)
	if err != nil {
		return nil, err
	}

	matched := []browser.Cookie{}
	for _, c := range cookies {
		if p.Domain != "" && !domainSuffixMatch(c.Domain, p.Domain) {
			continue
		}
		if p.Name != "" && c.Name != p.Name {
			continue
		}
		matched = append(matched, c)
	}
	return matched, nil
}

func (s *Service) cookiesSet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		URL            string  `json:"url"`
		Name           string  `json:"name"`
		Value          string  `json:"value"`
		Domain         string  `json:"domain"`
		Path           string  `json:"path"`
		Secure         bool    `json:"secure"`
		HTTPOnly       bool    `json:"httpOnly"`
		SameSite       string  `json:"sameSite"`
		ExpirationDate float64 `json:"expirationDate"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	cookie := browser.Cookie{
		Name:     p.Name,
		Value:    p.Value,
		URL:      p.URL,
		Domain:   p.Domain,
		Path:     p.Path,
		Secure:   p.Secure,
		HTTPOnly: p.HTTPOnly,
		SameSite: p.SameSite,
		Expires:  p.ExpirationDate,
	}
	if err := s.Backend.SetCookie(ctx, cookie); err != nil {
		return nil, err
	}
	return cookie, nil
}

// domainSuffixMatch matches ".example.com" style filters against
// cookie domains.
func domainSuffixMatch(cookieDomain, filter string) bool {
	cd := strings.TrimPrefix(cookieDomain, ".")
	f := strings.TrimPrefix(filter, ".")
	return cd == f || strings.HasSuffix(cd, "."+f)
}

// --- storage ---

func (s *Service) storageGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Area string          `json:"area"`
		Keys json.RawMessage `json:"keys"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	area, err := storageArea(p.Area)
	if err != nil {
		return nil, err
	}
	keys, err := decodeKeys(p.Keys)
	if err != nil {
		return nil, err
	}
	// A present-but-empty list selects nothing; only null/missing keys
	// mean the whole area.
	if keys != nil && len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	return s.Store.GetValues(ctx, area, keys)
}

func (s *Service) storageSet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Area  string                     `json:"area"`
		Items map[string]json.RawMessage `json:"items"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	area, err := storageArea(p.Area)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("items is required")
	}
	if err := s.Store.SetValues(ctx, area, p.Items); err != nil {
		return nil, err
	}
	return map[string]any{"saved": len(p.Items)}, nil
}

func storageArea(area string) (string, error) {
	switch area {
	case "":
		return "local", nil
	case "local", "sync":
		return area, nil
	}
	return "", fmt.Errorf("unknown storage area: %s", area)
}

// decodeKeys accepts null (whole area), a single key, or a key list.
func decodeKeys(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("keys must be a string or a list of strings")
}

// --- notifications ---

func (s *Service) notificationsCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := wire.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if err := s.Notifier.Send(p.Title, p.Message); err != nil {
		return nil, err
	}
	return map[string]any{"notificationId": uuid.NewString()}, nil
}

// --- utility ---

func (s *Service) health(ctx context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.started).Seconds()),
	}, nil
}

func (s *Service) version(ctx context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"version":  s.Version,
		"protocol": wire.ProtocolVersion,
	}, nil
}

func optBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
