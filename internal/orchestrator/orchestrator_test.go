// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/browser"
	"github.com/kestrelworks/sitewright/internal/config"
	"github.com/kestrelworks/sitewright/internal/detect"
	"github.com/kestrelworks/sitewright/internal/sessionstore"
	"github.com/kestrelworks/sitewright/internal/visual"
)

// mockDriver scripts the page surface so the facade runs without a browser.
type mockDriver struct {
	mu sync.Mutex

	html  string
	title string
	url   string
	// urlAfterSubmit simulates a post-login redirect: Click on a submit
	// control moves the page there.
	urlAfterSubmit string
	geometry       *visual.PageGeometry
	shot           []byte
	counts         map[string]int
	snapshots      map[string]string
	captured       *schemas.StorageState
	navErr         error

	navigated []string
	filled    map[string]string
	clicked   []string
	seeded    []*schemas.StorageState
	setCalls  int
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		url:       "https://acme.test/",
		counts:    make(map[string]int),
		snapshots: make(map[string]string),
		filled:    make(map[string]string),
	}
}

func (m *mockDriver) Navigate(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.navErr != nil {
		return m.navErr
	}
	m.navigated = append(m.navigated, url)
	m.url = url
	return nil
}

func (m *mockDriver) CurrentURL(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url, nil
}

func (m *mockDriver) Title(context.Context) (string, error)     { return m.title, nil }
func (m *mockDriver) OuterHTML(context.Context) (string, error) { return m.html, nil }

func (m *mockDriver) Geometry(context.Context) (*visual.PageGeometry, error) {
	if m.geometry == nil {
		return nil, fmt.Errorf("no geometry scripted")
	}
	return m.geometry, nil
}

func (m *mockDriver) Screenshot(context.Context) ([]byte, error) {
	if m.shot == nil {
		return nil, fmt.Errorf("no screenshot scripted")
	}
	return m.shot, nil
}

func (m *mockDriver) SeedState(_ context.Context, state *schemas.StorageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = append(m.seeded, state)
	return nil
}

func (m *mockDriver) CaptureState(context.Context) (*schemas.StorageState, error) {
	if m.captured == nil {
		return &schemas.StorageState{}, nil
	}
	return m.captured, nil
}

func (m *mockDriver) Fill(_ context.Context, selector, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filled[selector] = value
	return nil
}

func (m *mockDriver) Click(_ context.Context, selector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicked = append(m.clicked, selector)
	if m.urlAfterSubmit != "" {
		m.url = m.urlAfterSubmit
	}
	return nil
}

func (m *mockDriver) Count(_ context.Context, selector string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[selector], nil
}

func (m *mockDriver) ContentSnapshot(_ context.Context, selector string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[selector]
	return s, ok, nil
}

func (m *mockDriver) SetContent(_ context.Context, selector, _ string, _ bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	return m.counts[selector], nil
}

var _ pageDriver = (*mockDriver)(nil)

// fakeLaunch satisfies the pool's engine without a process behind it.
func fakeLaunch(parent context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, cancel, nil
}

type testRig struct {
	orch   *Orchestrator
	pool   *browser.Pool
	store  *sessionstore.Store
	driver *mockDriver
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := zaptest.NewLogger(t)

	pool := browser.NewPoolWithEngine(
		config.BrowserConfig{PoolSize: 2, NavigationTimeout: time.Second},
		logger, fakeLaunch, fakeLaunch,
	)
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	store, err := sessionstore.New(t.TempDir(), key, time.Hour, logger)
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	detector := detect.New(nil, config.DetectConfig{MaxMarkupChars: 15000, MinSections: 3, MaxSections: 8}, logger)
	analyzer := visual.New(logger)

	cfg := &config.Config{
		Browser: config.BrowserConfig{PoolSize: 2, NavigationTimeout: time.Second},
	}
	orch, err := New(cfg, logger, pool, store, detector, analyzer)
	require.NoError(t, err)

	driver := newMockDriver()
	orch.newDriver = func(*browser.Lease) pageDriver { return driver }

	return &testRig{orch: orch, pool: pool, store: store, driver: driver}
}

func TestConnectAndDisconnect(t *testing.T) {
	rig := newTestRig(t)

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	assert.Equal(t, []string{"https://acme.test/"}, rig.driver.navigated)
	assert.Equal(t, 1, rig.pool.Stats().ActiveLeases)

	require.NoError(t, rig.orch.Disconnect(context.Background(), handle))
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases)

	err = rig.orch.Disconnect(context.Background(), handle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestConnectInvalidURL(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.orch.Connect(context.Background(), "not a url", nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases, "no lease may leak on a bad URL")
}

func TestConnectNavigationFailureReleasesLease(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.navErr = fmt.Errorf("%w after 1s: https://acme.test/", ErrNavigationTimeout)

	_, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrNavigationTimeout,
		"the navigation cause must stay matchable through the connect wrap")
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases)
}

func TestConnectCredsWithoutLoginFormSkipsLogin(t *testing.T) {
	rig := newTestRig(t)

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/",
		&schemas.Credentials{Username: "owner", Password: "hunter2"})
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	assert.Empty(t, rig.driver.filled, "no form fields, nothing to fill")
	assert.Empty(t, rig.driver.clicked)
}

func TestConnectLoginSuccessPersistsState(t *testing.T) {
	rig := newTestRig(t)
	d := rig.driver
	d.counts[`input[type="password"]`] = 1
	d.counts[`input[name="username"]`] = 1
	d.counts[`input[name="password"]`] = 1
	d.counts[`button[type="submit"]`] = 1
	d.urlAfterSubmit = "https://acme.test/dashboard"
	d.captured = &schemas.StorageState{
		Cookies: []schemas.Cookie{{Name: "sid", Value: "secret", Domain: "acme.test"}},
		Origin:  "https://acme.test",
	}

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/login",
		&schemas.Credentials{Username: "owner", Password: "hunter2"})
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	assert.Equal(t, "owner", d.filled[`input[name="username"]`])
	assert.Equal(t, "hunter2", d.filled[`input[name="password"]`])
	assert.Contains(t, d.clicked, `button[type="submit"]`)

	state, err := rig.store.Load("https://acme.test")
	require.NoError(t, err)
	require.NotNil(t, state, "login success must persist session state")
	assert.Equal(t, "sid", state.Cookies[0].Name)
}

func TestConnectLoginNoFormFields(t *testing.T) {
	rig := newTestRig(t)
	// A password input exists but no recognizable username field.
	rig.driver.counts[`input[type="password"]`] = 1

	_, err := rig.orch.Connect(context.Background(), "https://acme.test/login",
		&schemas.Credentials{Username: "owner", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases)
}

func TestConnectLoginURLNeverChanges(t *testing.T) {
	rig := newTestRig(t)
	d := rig.driver
	d.counts[`input[type="password"]`] = 1
	d.counts[`input[name="username"]`] = 1
	d.counts[`input[name="password"]`] = 1
	d.counts[`button[type="submit"]`] = 1
	// urlAfterSubmit left empty: submit does nothing visible.

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()

	_, err := rig.orch.Connect(ctx, "https://acme.test/login",
		&schemas.Credentials{Username: "owner", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases)
}

func TestConnectRestoresStoredSession(t *testing.T) {
	rig := newTestRig(t)
	stored := &schemas.StorageState{
		Cookies:      []schemas.Cookie{{Name: "sid", Value: "old", Domain: "acme.test"}},
		LocalStorage: map[string]string{"token": "abc"},
	}
	require.NoError(t, rig.store.Save("https://acme.test", stored))

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	require.Len(t, rig.driver.seeded, 2, "cookies seed before navigation, storage after")
	assert.NotEmpty(t, rig.driver.seeded[0].Cookies)
	assert.Empty(t, rig.driver.seeded[0].LocalStorage)
	assert.Equal(t, "abc", rig.driver.seeded[1].LocalStorage["token"])
	// Navigated twice so the restored storage takes effect.
	assert.Len(t, rig.driver.navigated, 2)
}

func TestInvalidHandleEverywhere(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.orch.DetectSections(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, _, err = rig.orch.DetectSectionsVisual(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = rig.orch.UpdateContent(ctx, "nope", "https://acme.test/", "#hero", "x")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = rig.orch.Screenshot(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestDetectSections(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.html = `<html><body>
		<header class="hero"><h1>Welcome to Acme</h1></header>
		<section id="about"><h2>About us</h2></section>
		<footer class="contact"><p>Email us</p></footer>
	</body></html>`
	rig.driver.title = "Acme"

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	sections, err := rig.orch.DetectSections(context.Background(), handle, "")
	require.NoError(t, err)
	require.NotEmpty(t, sections)

	types := make(map[schemas.SectionType]bool)
	for _, s := range sections {
		types[s.Type] = true
	}
	assert.True(t, types[schemas.SectionHero])
	assert.True(t, types[schemas.SectionAbout])
}

func TestDetectSectionsVisual(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.geometry = &visual.PageGeometry{
		ViewportWidth:  1280,
		ViewportHeight: 800,
		DocumentHeight: 2100,
		Elements: []visual.ElementGeometry{
			{Index: 0, Parent: -1, Tag: "div", Classes: []string{"a"}, Y: 0, Width: 1280, Height: 700, Text: "Welcome", MainChild: true},
			{Index: 1, Parent: -1, Tag: "div", Classes: []string{"b"}, Y: 700, Width: 1280, Height: 700, Text: "About us", MainChild: true},
			{Index: 2, Parent: -1, Tag: "div", Classes: []string{"c"}, Y: 1400, Width: 1280, Height: 700, Text: "Contact", MainChild: true},
		},
	}
	rig.driver.shot = []byte("png-bytes")

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	sections, shot, err := rig.orch.DetectSectionsVisual(context.Background(), handle, "")
	require.NoError(t, err)
	require.NotEmpty(t, sections)
	assert.Equal(t, []byte("png-bytes"), shot)
	assert.Equal(t, handle+"-visual.png", sections[0].Screenshot)
}

func TestUpdateContent(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.snapshots["#hero"] = "<h1>old</h1>"
	rig.driver.counts["#hero"] = 1

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	res, err := rig.orch.UpdateContent(context.Background(), handle, "https://acme.test/", "#hero", "fresh words")
	require.NoError(t, err)
	assert.Equal(t, "<h1>old</h1>", res.Previous)
	assert.Equal(t, 1, res.Matched)
	assert.False(t, res.AsHTML, "plain strings apply as text")

	res, err = rig.orch.UpdateContent(context.Background(), handle, "https://acme.test/", "#hero", "<h1>markup</h1>")
	require.NoError(t, err)
	assert.True(t, res.AsHTML, "markup applies as HTML")

	_, err = rig.orch.UpdateContent(context.Background(), handle, "  ", "#hero", "x")
	assert.Error(t, err, "updates require a page URL")
}

func TestUpdateContentNotFoundLeavesPageUntouched(t *testing.T) {
	rig := newTestRig(t)

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	_, err = rig.orch.UpdateContent(context.Background(), handle, "https://acme.test/", "#missing", "x")
	assert.ErrorIs(t, err, ErrSectionNotFound)
	assert.Zero(t, rig.driver.setCalls, "a missing locator must not mutate the page")
}

func TestOperationsNavigateToRequestedPage(t *testing.T) {
	rig := newTestRig(t)
	d := rig.driver
	d.html = "<html><body></body></html>"
	d.shot = []byte("png")

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)
	require.Equal(t, []string{"https://acme.test/"}, d.navigated)

	_, err = rig.orch.DetectSections(context.Background(), handle, "https://acme.test/about")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.test/", "https://acme.test/about"}, d.navigated,
		"a different page URL navigates the tab")

	_, err = rig.orch.Screenshot(context.Background(), handle, "")
	require.NoError(t, err)
	assert.Len(t, d.navigated, 2, "an empty page URL stays on the current page")

	d.snapshots["#hero"] = "old"
	d.counts["#hero"] = 1
	_, err = rig.orch.UpdateContent(context.Background(), handle, "https://acme.test/about", "#hero", "new")
	require.NoError(t, err)
	assert.Len(t, d.navigated, 2, "the page already showing is not re-navigated")
}

func TestPageNavigationTimeoutSurfaces(t *testing.T) {
	rig := newTestRig(t)

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	rig.driver.navErr = fmt.Errorf("%w after 1s: https://acme.test/slow", ErrNavigationTimeout)
	_, err = rig.orch.DetectSections(context.Background(), handle, "https://acme.test/slow")
	assert.ErrorIs(t, err, ErrNavigationTimeout)
}

func TestDetectSectionsUnrecognizedPageReturnsEmpty(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.html = `<html><body><p>plain words only</p></body></html>`

	handle, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	defer rig.orch.Disconnect(context.Background(), handle)

	sections, err := rig.orch.DetectSections(context.Background(), handle, "")
	require.NoError(t, err, "a page matching no pattern is empty, not an error")
	assert.Empty(t, sections)
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	rig := newTestRig(t)

	h1, err := rig.orch.Connect(context.Background(), "https://acme.test/", nil)
	require.NoError(t, err)
	h2, err := rig.orch.Connect(context.Background(), "https://other.test/", nil)
	require.NoError(t, err)

	rig.orch.Shutdown(context.Background())
	assert.Equal(t, 0, rig.pool.Stats().ActiveLeases)
	assert.ErrorIs(t, rig.orch.Disconnect(context.Background(), h1), ErrInvalidHandle)
	assert.ErrorIs(t, rig.orch.Disconnect(context.Background(), h2), ErrInvalidHandle)
}

func TestSiteIDFor(t *testing.T) {
	id, err := SiteID("https://acme.test/deep/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test", id)

	_, err = SiteID("://broken")
	assert.Error(t, err)
}
