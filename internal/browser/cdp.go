package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

type tabEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Client implements Backend against a running Chromium browser via the
// remote DevTools endpoint. It attaches lazily on first use so the
// bridge can start before the browser does.
type Client struct {
	cdpURL  string
	timeout time.Duration
	logger  *slog.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	tabs        map[string]*tabEntry
	activeTab   string
}

var _ Backend = (*Client)(nil)

// NewClient creates a DevTools client for the given endpoint.
func NewClient(cdpURL string, timeout time.Duration) *Client {
	return &Client{
		cdpURL:  cdpURL,
		timeout: timeout,
		logger:  slog.Default().With("component", "browser"),
		tabs:    make(map[string]*tabEntry),
	}
}

// Close detaches from the browser. The browser itself keeps running.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.tabs {
		e.cancel()
		delete(c.tabs, id)
	}
	if c.browserStop != nil {
		c.browserStop()
		c.browserStop = nil
		c.browserCtx = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
}

// ensure attaches to the browser if not already attached.
func (c *Client) ensure() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browserCtx != nil && c.browserCtx.Err() == nil {
		return c.browserCtx, nil
	}

	info, err := FetchVersion(c.cdpURL, c.timeout)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), info.WebSocketURL, chromedp.NoModifyURL)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Targets connects without opening a tab.
	if _, err := chromedp.Targets(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("attach to browser: %w", err)
	}

	c.allocCancel = allocCancel
	c.browserCtx = browserCtx
	c.browserStop = browserStop
	c.logger.Info("attached to browser", "browser", info.Browser, "protocol", info.ProtocolVersion)
	return c.browserCtx, nil
}

// exec wraps ctx with the browser-level command executor.
func (c *Client) exec(ctx context.Context) (context.Context, error) {
	bctx, err := c.ensure()
	if err != nil {
		return nil, err
	}
	return cdp.WithExecutor(ctx, chromedp.FromContext(bctx).Browser), nil
}

// tab returns a cached per-target context, attaching on first use.
func (c *Client) tab(id string) (context.Context, error) {
	bctx, err := c.ensure()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[id]; ok && e.ctx.Err() == nil {
		return e.ctx, nil
	}
	tctx, cancel := chromedp.NewContext(bctx, chromedp.WithTargetID(target.ID(id)))
	c.tabs[id] = &tabEntry{ctx: tctx, cancel: cancel}
	return tctx, nil
}

func (c *Client) dropTab(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[id]; ok {
		e.cancel()
		delete(c.tabs, id)
	}
	if c.activeTab == id {
		c.activeTab = ""
	}
}

func (c *Client) setActive(id string) {
	c.mu.Lock()
	c.activeTab = id
	c.mu.Unlock()
}

// ListTabs returns all page targets in enumeration order.
func (c *Client) ListTabs(ctx context.Context) ([]Tab, error) {
	bctx, err := c.ensure()
	if err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(bctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	c.mu.Lock()
	active := c.activeTab
	c.mu.Unlock()

	var tabs []Tab
	sawActive := false
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		id := string(info.TargetID)
		tab := Tab{
			ID:     id,
			URL:    info.URL,
			Title:  info.Title,
			Active: id == active,
			Index:  len(tabs),
		}
		sawActive = sawActive || tab.Active
		tabs = append(tabs, tab)
	}
	// The protocol does not expose focus; the most recently activated
	// tab is tracked locally and the first tab stands in otherwise.
	if !sawActive && len(tabs) > 0 {
		tabs[0].Active = true
	}
	return tabs, nil
}

// GetTab returns one tab by id.
func (c *Client) GetTab(ctx context.Context, id string) (*Tab, error) {
	tabs, err := c.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tabs {
		if tabs[i].ID == id {
			return &tabs[i], nil
		}
	}
	return nil, fmt.Errorf("tab not found: %s", id)
}

// CreateTab opens a new tab.
func (c *Client) CreateTab(ctx context.Context, pageURL string, active bool) (*Tab, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	exec, err := c.exec(ctx)
	if err != nil {
		return nil, err
	}
	id, err := target.CreateTarget(pageURL).Do(exec)
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if active {
		if err := target.ActivateTarget(id).Do(exec); err != nil {
			c.logger.Warn("activate new tab failed", "tab", id, "error", err)
		} else {
			c.setActive(string(id))
		}
	}
	return c.GetTab(ctx, string(id))
}

// UpdateTab applies the non-nil fields.
func (c *Client) UpdateTab(ctx context.Context, id string, upd TabUpdate) (*Tab, error) {
	if upd.URL != nil {
		if err := c.Navigate(ctx, id, *upd.URL); err != nil {
			return nil, err
		}
	}
	if upd.Active != nil && *upd.Active {
		exec, err := c.exec(ctx)
		if err != nil {
			return nil, err
		}
		if err := target.ActivateTarget(target.ID(id)).Do(exec); err != nil {
			return nil, fmt.Errorf("activate tab: %w", err)
		}
		c.setActive(id)
	}
	if upd.Pinned != nil || upd.Muted != nil {
		// Not representable over DevTools; accepted and ignored so
		// callers sharing the extension surface don't fail outright.
		c.logger.Debug("ignoring unsupported tab fields", "tab", id)
	}
	return c.GetTab(ctx, id)
}

// CloseTab closes a tab.
func (c *Client) CloseTab(ctx context.Context, id string) error {
	exec, err := c.exec(ctx)
	if err != nil {
		return err
	}
	if err := target.CloseTarget(target.ID(id)).Do(exec); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	c.dropTab(id)
	return nil
}

// Navigate points a tab at a new URL and waits for the document.
func (c *Client) Navigate(ctx context.Context, id, pageURL string) error {
	tctx, err := c.tab(id)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(tctx, c.timeout)
	defer cancel()

	return chromedp.Run(tctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
	)
}

// Evaluate runs a JavaScript expression in a tab.
func (c *Client) Evaluate(ctx context.Context, id, expr string) (json.RawMessage, error) {
	tctx, err := c.tab(id)
	if err != nil {
		return nil, err
	}
	tctx, cancel := context.WithTimeout(tctx, c.timeout)
	defer cancel()

	var raw []byte
	err = chromedp.Run(tctx, chromedp.Evaluate(expr, &raw,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(raw), nil
}

// HTML returns the tab's current markup.
func (c *Client) HTML(ctx context.Context, id string) (string, error) {
	tctx, err := c.tab(id)
	if err != nil {
		return "", err
	}
	tctx, cancel := context.WithTimeout(tctx, c.timeout)
	defer cancel()

	var html string
	if err := chromedp.Run(tctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Click clicks the first element matching a CSS selector.
func (c *Client) Click(ctx context.Context, id, selector string) error {
	tctx, err := c.tab(id)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(tctx, c.timeout)
	defer cancel()

	return chromedp.Run(tctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Fill clears then types into the first element matching a selector.
func (c *Client) Fill(ctx context.Context, id, selector, value string) error {
	tctx, err := c.tab(id)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(tctx, c.timeout)
	defer cancel()

	return chromedp.Run(tctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Cookies returns browser cookies, filtered to urls when given.
func (c *Client) Cookies(ctx context.Context, urls []string) ([]Cookie, error) {
	exec, err := c.exec(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := storage.GetCookies().Do(exec)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	var cookies []Cookie
	for _, nc := range raw {
		if len(urls) > 0 && !cookieMatchesAny(nc, urls) {
			continue
		}
		cookies = append(cookies, Cookie{
			Name:     nc.Name,
			Value:    nc.Value,
			Domain:   nc.Domain,
			Path:     nc.Path,
			Expires:  nc.Expires,
			HTTPOnly: nc.HTTPOnly,
			Secure:   nc.Secure,
			SameSite: sameSiteString(nc.SameSite),
		})
	}
	return cookies, nil
}

// SetCookie stores a cookie.
func (c *Client) SetCookie(ctx context.Context, ck Cookie) error {
	if ck.Name == "" {
		return fmt.Errorf("cookie name is required")
	}
	if ck.URL == "" && (ck.Domain == "" || ck.Path == "") {
		return fmt.Errorf("cookie requires url, or domain+path")
	}

	param := &network.CookieParam{
		Name:     ck.Name,
		Value:    ck.Value,
		URL:      ck.URL,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Secure:   ck.Secure,
		HTTPOnly: ck.HTTPOnly,
	}
	switch ck.SameSite {
	case "Strict":
		param.SameSite = network.CookieSameSiteStrict
	case "None":
		param.SameSite = network.CookieSameSiteNone
	case "Lax":
		param.SameSite = network.CookieSameSiteLax
	}
	if ck.Expires > 0 {
		exp := cdp.TimeSinceEpoch(time.Unix(int64(ck.Expires), 0))
		param.Expires = &exp
	}

	exec, err := c.exec(ctx)
	if err != nil {
		return err
	}
	if err := storage.SetCookies([]*network.CookieParam{param}).Do(exec); err != nil {
		return fmt.Errorf("set cookie: %w", err)
	}
	return nil
}

// Version reports the attached browser's build info.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	return FetchVersion(c.cdpURL, c.timeout)
}

func sameSiteString(s network.CookieSameSite) string {
	switch s {
	case network.CookieSameSiteStrict:
		return "Strict"
	case network.CookieSameSiteLax:
		return "Lax"
	case network.CookieSameSiteNone:
		return "None"
	}
	return ""
}

// cookieMatchesAny reports whether a cookie would be sent to any of
// the given URLs (domain suffix plus path prefix matching).
func cookieMatchesAny(nc *network.Cookie, urls []string) bool {
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" {
			continue
		}
		if !domainMatches(parsed.Hostname(), nc.Domain) {
			continue
		}
		path := parsed.Path
		if path == "" {
			path = "/"
		}
		if strings.HasPrefix(path, nc.Path) {
			return true
		}
	}
	return false
}

func domainMatches(host, cookieDomain string) bool {
	if cookieDomain == "" {
		return false
	}
	if strings.HasPrefix(cookieDomain, ".") {
		return host == cookieDomain[1:] || strings.HasSuffix(host, cookieDomain)
	}
	return host == cookieDomain
}
