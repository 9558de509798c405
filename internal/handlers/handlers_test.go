package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbridge/tabbridge/internal/browser"
	"github.com/tabbridge/tabbridge/internal/groups"
	"github.com/tabbridge/tabbridge/internal/router"
	"github.com/tabbridge/tabbridge/internal/store"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// fakeBackend is an in-memory Backend for handler tests.
type fakeBackend struct {
	tabs    []browser.Tab
	cookies []browser.Cookie
	html    map[string]string
	nextID  int

	clicks []string
	fills  []string
}

func (f *fakeBackend) ListTabs(ctx context.Context) ([]browser.Tab, error) {
	out := make([]browser.Tab, len(f.tabs))
	copy(out, f.tabs)
	return out, nil
}

func (f *fakeBackend) GetTab(ctx context.Context, id string) (*browser.Tab, error) {
	for i := range f.tabs {
		if f.tabs[i].ID == id {
			tab := f.tabs[i]
			return &tab, nil
		}
	}
	return nil, fmt.Errorf("tab not found: %s", id)
}

func (f *fakeBackend) CreateTab(ctx context.Context, url string, active bool) (*browser.Tab, error) {
	f.nextID++
	tab := browser.Tab{
		ID:     fmt.Sprintf("tab-%d", f.nextID),
		URL:    url,
		Active: active,
		Index:  len(f.tabs),
	}
	f.tabs = append(f.tabs, tab)
	return &tab, nil
}

func (f *fakeBackend) UpdateTab(ctx context.Context, id string, upd browser.TabUpdate) (*browser.Tab, error) {
	for i := range f.tabs {
		if f.tabs[i].ID != id {
			continue
		}
		if upd.URL != nil {
			f.tabs[i].URL = *upd.URL
		}
		if upd.Active != nil {
			f.tabs[i].Active = *upd.Active
		}
		if upd.Pinned != nil {
			f.tabs[i].Pinned = *upd.Pinned
		}
		tab := f.tabs[i]
		return &tab, nil
	}
	return nil, fmt.Errorf("tab not found: %s", id)
}

func (f *fakeBackend) CloseTab(ctx context.Context, id string) error {
	for i := range f.tabs {
		if f.tabs[i].ID == id {
			f.tabs = append(f.tabs[:i], f.tabs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("tab not found: %s", id)
}

func (f *fakeBackend) Navigate(ctx context.Context, id, url string) error {
	for i := range f.tabs {
		if f.tabs[i].ID == id {
			f.tabs[i].URL = url
			return nil
		}
	}
	return fmt.Errorf("tab not found: %s", id)
}

func (f *fakeBackend) Evaluate(ctx context.Context, id, expr string) (json.RawMessage, error) {
	if expr == "boom()" {
		return nil, fmt.Errorf("ReferenceError: boom is not defined")
	}
	return json.RawMessage(`{"echo":true}`), nil
}

func (f *fakeBackend) HTML(ctx context.Context, id string) (string, error) {
	h, ok := f.html[id]
	if !ok {
		return "", fmt.Errorf("tab not found: %s", id)
	}
	return h, nil
}

func (f *fakeBackend) Click(ctx context.Context, id, selector string) error {
	f.clicks = append(f.clicks, selector)
	return nil
}

func (f *fakeBackend) Fill(ctx context.Context, id, selector, value string) error {
	f.fills = append(f.fills, selector+"="+value)
	return nil
}

func (f *fakeBackend) Cookies(ctx context.Context, urls []string) ([]browser.Cookie, error) {
	out := make([]browser.Cookie, len(f.cookies))
	copy(out, f.cookies)
	return out, nil
}

func (f *fakeBackend) SetCookie(ctx context.Context, c browser.Cookie) error {
	f.cookies = append(f.cookies, c)
	return nil
}

func (f *fakeBackend) Version(ctx context.Context) (*browser.VersionInfo, error) {
	return &browser.VersionInfo{Browser: "FakeChrome/1.0"}, nil
}

type fakeNotifier struct {
	sent []string
}

func (n *fakeNotifier) Send(title, body string) error {
	n.sent = append(n.sent, title+": "+body)
	return nil
}

type fixture struct {
	svc     *Service
	router  *router.Router
	backend *fakeBackend
	store   *store.Store
	notes   *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := &fakeBackend{html: make(map[string]string)}
	notes := &fakeNotifier{}
	svc := NewService(Deps{
		Backend:  backend,
		Store:    st,
		Groups:   groups.NewCoordinator(st, "Assistant", "blue"),
		Notifier: notes,
		Version:  "1.2.0",
	})
	r := router.New()
	svc.Register(r)
	return &fixture{svc: svc, router: r, backend: backend, store: st, notes: notes}
}

func dispatch(t *testing.T, fx *fixture, method, params string) wire.Response {
	t.Helper()
	return fx.router.Dispatch(context.Background(), &wire.Request{
		ID:     "1",
		Method: method,
		Params: json.RawMessage(params),
	})
}

func TestTabsCreateGroupsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first := dispatch(t, fx, "tabs.create", `{"url":"https://example.com"}`)
	require.True(t, first.OK, first.Error)
	second := dispatch(t, fx, "tabs.create", `{"url":"https://example.com"}`)
	require.True(t, second.OK, second.Error)

	// Exactly one group across both creates; both tabs are members.
	all, err := fx.store.QueryGroups(ctx, store.GroupFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	tabs, err := fx.store.TabsIn(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Len(t, tabs, 2)

	tab := first.Result.(*browser.Tab)
	assert.Equal(t, all[0].ID, tab.GroupID)
	assert.True(t, tab.Active)
}

func TestTabsCreateWithoutAutoGroup(t *testing.T) {
	fx := newFixture(t)

	resp := dispatch(t, fx, "tabs.create", `{"url":"https://example.com","autoGroup":false,"active":false}`)
	require.True(t, resp.OK, resp.Error)

	tab := resp.Result.(*browser.Tab)
	assert.Empty(t, tab.GroupID)
	assert.False(t, tab.Active)

	all, err := fx.store.QueryGroups(context.Background(), store.GroupFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTabsQueryFilters(t *testing.T) {
	fx := newFixture(t)

	dispatch(t, fx, "tabs.create", `{"url":"https://a.test","active":true,"autoGroup":false}`)
	dispatch(t, fx, "tabs.create", `{"url":"https://b.test","active":false,"autoGroup":false}`)

	resp := dispatch(t, fx, "tabs.query", `{"url":"b.test"}`)
	require.True(t, resp.OK, resp.Error)
	tabs := resp.Result.([]browser.Tab)
	require.Len(t, tabs, 1)
	assert.Equal(t, "https://b.test", tabs[0].URL)

	resp = dispatch(t, fx, "tabs.query", `{}`)
	require.True(t, resp.OK)
	assert.Len(t, resp.Result.([]browser.Tab), 2)
}

func TestTabsRemoveCleansMembership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created := dispatch(t, fx, "tabs.create", `{"url":"https://example.com"}`)
	require.True(t, created.OK)
	tab := created.Result.(*browser.Tab)

	resp := dispatch(t, fx, "tabs.remove", fmt.Sprintf(`{"tabId":%q}`, tab.ID))
	require.True(t, resp.OK, resp.Error)

	gid, err := fx.store.GroupOf(ctx, tab.ID)
	require.NoError(t, err)
	assert.Empty(t, gid)
	assert.Empty(t, fx.backend.tabs)
}

func TestTabsNavigateInvalidatesRefs(t *testing.T) {
	fx := newFixture(t)

	created := dispatch(t, fx, "tabs.create", `{"url":"https://example.com","autoGroup":false}`)
	tab := created.Result.(*browser.Tab)
	fx.backend.html[tab.ID] = `<body><button id="go">Go</button></body>`

	snap := dispatch(t, fx, "page.snapshot", fmt.Sprintf(`{"tabId":%q}`, tab.ID))
	require.True(t, snap.OK, snap.Error)

	nav := dispatch(t, fx, "tabs.navigate", fmt.Sprintf(`{"tabId":%q,"url":"https://elsewhere.test"}`, tab.ID))
	require.True(t, nav.OK, nav.Error)

	click := dispatch(t, fx, "page.click", fmt.Sprintf(`{"tabId":%q,"selector":"@e1"}`, tab.ID))
	assert.False(t, click.OK)
	assert.Contains(t, click.Error, "no snapshot")
}

func TestSnapshotClickAndFillByRef(t *testing.T) {
	fx := newFixture(t)

	created := dispatch(t, fx, "tabs.create", `{"url":"https://example.com","autoGroup":false}`)
	tab := created.Result.(*browser.Tab)
	fx.backend.html[tab.ID] = `<body>
		<button id="save">Save</button>
		<input id="email" type="text">
	</body>`

	snap := dispatch(t, fx, "page.snapshot", fmt.Sprintf(`{"tabId":%q}`, tab.ID))
	require.True(t, snap.OK, snap.Error)

	click := dispatch(t, fx, "page.click", fmt.Sprintf(`{"tabId":%q,"selector":"@e1"}`, tab.ID))
	require.True(t, click.OK, click.Error)
	require.Len(t, fx.backend.clicks, 1)
	assert.Equal(t, "#save", fx.backend.clicks[0])

	fill := dispatch(t, fx, "page.fill", fmt.Sprintf(`{"tabId":%q,"selector":"@e2","value":"a@b.c"}`, tab.ID))
	require.True(t, fill.OK, fill.Error)
	require.Len(t, fx.backend.fills, 1)
	assert.Equal(t, "#email=a@b.c", fx.backend.fills[0])

	// Unknown refs are an error, plain selectors pass through.
	bad := dispatch(t, fx, "page.click", fmt.Sprintf(`{"tabId":%q,"selector":"@e99"}`, tab.ID))
	assert.False(t, bad.OK)
	assert.Contains(t, bad.Error, "unknown ref")

	plain := dispatch(t, fx, "page.click", fmt.Sprintf(`{"tabId":%q,"selector":"#other"}`, tab.ID))
	require.True(t, plain.OK)
	assert.Equal(t, "#other", fx.backend.clicks[len(fx.backend.clicks)-1])
}

func TestPageExecute(t *testing.T) {
	fx := newFixture(t)

	created := dispatch(t, fx, "tabs.create", `{"autoGroup":false}`)
	tab := created.Result.(*browser.Tab)

	resp := dispatch(t, fx, "page.execute", fmt.Sprintf(`{"tabId":%q,"code":"1+1"}`, tab.ID))
	require.True(t, resp.OK, resp.Error)
	assert.JSONEq(t, `{"echo":true}`, string(resp.Result.(json.RawMessage)))

	fail := dispatch(t, fx, "page.execute", fmt.Sprintf(`{"tabId":%q,"code":"boom()"}`, tab.ID))
	assert.False(t, fail.OK)
	assert.Contains(t, fail.Error, "ReferenceError")
}

func TestCookiesGetAllIsPure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.backend.cookies = []browser.Cookie{
		{Name: "sid", Domain: ".example.com", Path: "/"},
		{Name: "pref", Domain: "other.test", Path: "/"},
	}

	resp := dispatch(t, fx, "cookies.getAll", `{"domain":".example.com"}`)
	require.True(t, resp.OK, resp.Error)
	cookies := resp.Result.([]browser.Cookie)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)

	// No mutation of any other component's state.
	all, err := fx.store.QueryGroups(ctx, store.GroupFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	again := dispatch(t, fx, "cookies.getAll", `{"domain":".example.com"}`)
	require.True(t, again.OK)
	assert.Equal(t, cookies, again.Result.([]browser.Cookie))
}

func TestCookiesGetAndSet(t *testing.T) {
	fx := newFixture(t)

	set := dispatch(t, fx, "cookies.set", `{"url":"https://example.com","name":"sid","value":"abc"}`)
	require.True(t, set.OK, set.Error)

	got := dispatch(t, fx, "cookies.get", `{"url":"https://example.com","name":"sid"}`)
	require.True(t, got.OK, got.Error)
	cookie := got.Result.(browser.Cookie)
	assert.Equal(t, "abc", cookie.Value)

	missing := dispatch(t, fx, "cookies.get", `{"url":"https://example.com","name":"nope"}`)
	require.True(t, missing.OK)
	assert.Nil(t, missing.Result)
}

func TestStorageRoundTrip(t *testing.T) {
	fx := newFixture(t)

	set := dispatch(t, fx, "storage.set", `{"items":{"theme":"dark","n":7}}`)
	require.True(t, set.OK, set.Error)

	// Single key as a bare string.
	got := dispatch(t, fx, "storage.get", `{"keys":"theme"}`)
	require.True(t, got.OK, got.Error)
	values := got.Result.(map[string]json.RawMessage)
	require.Len(t, values, 1)
	assert.JSONEq(t, `"dark"`, string(values["theme"]))

	// Null keys returns the whole area.
	all := dispatch(t, fx, "storage.get", `{}`)
	require.True(t, all.OK)
	assert.Len(t, all.Result.(map[string]json.RawMessage), 2)

	// An empty key list selects nothing, unlike null.
	none := dispatch(t, fx, "storage.get", `{"keys":[]}`)
	require.True(t, none.OK, none.Error)
	assert.Empty(t, none.Result.(map[string]json.RawMessage))

	// Areas are isolated.
	other := dispatch(t, fx, "storage.get", `{"area":"sync"}`)
	require.True(t, other.OK)
	assert.Empty(t, other.Result.(map[string]json.RawMessage))

	bad := dispatch(t, fx, "storage.get", `{"area":"session"}`)
	assert.False(t, bad.OK)
	assert.Contains(t, bad.Error, "unknown storage area")
}

func TestNotificationsCreate(t *testing.T) {
	fx := newFixture(t)

	resp := dispatch(t, fx, "notifications.create", `{"title":"Done","message":"Task finished"}`)
	require.True(t, resp.OK, resp.Error)
	result := resp.Result.(map[string]any)
	assert.NotEmpty(t, result["notificationId"])
	require.Len(t, fx.notes.sent, 1)
	assert.Equal(t, "Done: Task finished", fx.notes.sent[0])

	missing := dispatch(t, fx, "notifications.create", `{"message":"no title"}`)
	assert.False(t, missing.OK)
}

func TestUtilityMethods(t *testing.T) {
	fx := newFixture(t)

	health := dispatch(t, fx, "health", `{}`)
	require.True(t, health.OK)
	assert.Equal(t, "ok", health.Result.(map[string]any)["status"])

	version := dispatch(t, fx, "version", `{}`)
	require.True(t, version.OK)
	assert.Equal(t, "1.2.0", version.Result.(map[string]any)["version"])

	caps := dispatch(t, fx, "capabilities", `{}`)
	require.True(t, caps.OK)
	names := caps.Result.([]string)
	assert.Equal(t, fx.router.Capabilities(), names)
	assert.Contains(t, names, "tabs.create")
	assert.Contains(t, names, "tabGroups.collapse")
}

func TestTabGroupLifecycleMethods(t *testing.T) {
	fx := newFixture(t)

	a := dispatch(t, fx, "tabs.create", `{"autoGroup":false}`)
	b := dispatch(t, fx, "tabs.create", `{"autoGroup":false}`)
	tabA := a.Result.(*browser.Tab)
	tabB := b.Result.(*browser.Tab)

	grouped := dispatch(t, fx, "tabs.group", fmt.Sprintf(`{"tabIds":[%q,%q]}`, tabA.ID, tabB.ID))
	require.True(t, grouped.OK, grouped.Error)
	groupID := grouped.Result.(map[string]any)["groupId"].(string)
	require.NotEmpty(t, groupID)

	updated := dispatch(t, fx, "tabGroups.update", fmt.Sprintf(`{"groupId":%q,"title":"Research","color":"purple"}`, groupID))
	require.True(t, updated.OK, updated.Error)
	group := updated.Result.(*groupResult)
	assert.Equal(t, "Research", group.Name)
	assert.Equal(t, "purple", group.Color)
	assert.ElementsMatch(t, []string{tabA.ID, tabB.ID}, group.TabIDs)

	collapsed := dispatch(t, fx, "tabGroups.collapse", fmt.Sprintf(`{"groupId":%q}`, groupID))
	require.True(t, collapsed.OK, collapsed.Error)
	assert.True(t, collapsed.Result.(*groupResult).Collapsed)

	queried := dispatch(t, fx, "tabGroups.query", `{"title":"Research"}`)
	require.True(t, queried.OK, queried.Error)
	list := queried.Result.([]groupResult)
	require.Len(t, list, 1)
	assert.Equal(t, groupID, list[0].ID)

	ungrouped := dispatch(t, fx, "tabs.ungroup", fmt.Sprintf(`{"tabIds":[%q]}`, tabA.ID))
	require.True(t, ungrouped.OK, ungrouped.Error)

	gid, err := fx.store.GroupOf(context.Background(), tabA.ID)
	require.NoError(t, err)
	assert.Empty(t, gid)
}

func TestResetSessionDropsRefs(t *testing.T) {
	fx := newFixture(t)

	created := dispatch(t, fx, "tabs.create", `{"autoGroup":false}`)
	tab := created.Result.(*browser.Tab)
	fx.backend.html[tab.ID] = `<body><button>x</button></body>`

	snap := dispatch(t, fx, "page.snapshot", fmt.Sprintf(`{"tabId":%q}`, tab.ID))
	require.True(t, snap.OK)

	fx.svc.ResetSession()

	click := dispatch(t, fx, "page.click", fmt.Sprintf(`{"tabId":%q,"selector":"@e1"}`, tab.ID))
	assert.False(t, click.OK)
}
