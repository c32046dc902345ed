// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/browser"
	"github.com/kestrelworks/sitewright/internal/config"
	"github.com/kestrelworks/sitewright/internal/detect"
	"github.com/kestrelworks/sitewright/internal/sessionstore"
	"github.com/kestrelworks/sitewright/internal/visual"
)

// connection is one live site connection: a leased browser tab plus the
// identity needed to persist its session state. All page operations on a
// connection are serialized through its mutex; concurrency happens across
// connections, never within one.
type connection struct {
	mu      sync.Mutex
	handle  string
	siteID  string
	url     string
	leaseID string
	driver  pageDriver
}

// UpdateResult describes a completed content mutation, including the
// pre-change snapshot so callers can diff or undo.
type UpdateResult struct {
	Locator  string `json:"locator"`
	Previous string `json:"previous"`
	Matched  int    `json:"matched"`
	AsHTML   bool   `json:"as_html"`
}

// Orchestrator is the facade over the whole inspection core. It owns the
// handle registry and composes the pool, session store, detector, and visual
// analyzer into the public operations.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     *browser.Pool
	store    *sessionstore.Store
	detector *detect.Detector
	analyzer *visual.Analyzer

	// newDriver is swapped out in tests to run the facade without a browser.
	newDriver func(lease *browser.Lease) pageDriver

	mu    sync.RWMutex
	conns map[string]*connection
}

// New wires the orchestrator from fully constructed components.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	pool *browser.Pool,
	store *sessionstore.Store,
	detector *detect.Detector,
	analyzer *visual.Analyzer,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || pool == nil || store == nil || detector == nil || analyzer == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		pool:     pool,
		store:    store,
		detector: detector,
		analyzer: analyzer,
		conns:    make(map[string]*connection),
	}
	o.newDriver = func(lease *browser.Lease) pageDriver {
		return newCDPDriver(lease, cfg.Browser.NavigationTimeout, o.logger)
	}
	return o, nil
}

// SiteID normalizes a URL into the identity the session store is keyed
// by: scheme plus host. Paths within a site share one session.
func SiteID(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid site URL %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Connect leases a browser, restores any stored session state for the site,
// navigates, and logs in when credentials are supplied and the page still
// shows a login form. When credentials are supplied but no password input is
// present the login is skipped with a warning rather than failed, since a
// restored session legitimately lands past the login page. It returns an
// opaque handle for subsequent operations.
func (o *Orchestrator) Connect(ctx context.Context, rawURL string, creds *schemas.Credentials) (string, error) {
	siteID, err := SiteID(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	log := o.logger.With(zap.String("site", siteID))

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	driver := o.newDriver(lease)

	fail := func(cause error) (string, error) {
		if relErr := o.pool.Release(lease.ID); relErr != nil {
			log.Warn("Failed to release lease after connect error.", zap.Error(relErr))
		}
		return "", cause
	}

	state, err := o.store.Load(siteID)
	if err != nil {
		log.Warn("Session state load failed, connecting fresh.", zap.Error(err))
		state = nil
	}

	// Cookies apply before navigation; web storage is origin-scoped and can
	// only be written once the site's origin is loaded.
	if state != nil && len(state.Cookies) > 0 {
		if err := driver.SeedState(ctx, &schemas.StorageState{Cookies: state.Cookies}); err != nil {
			log.Warn("Cookie restore failed, connecting fresh.", zap.Error(err))
		}
	}

	if err := driver.Navigate(ctx, rawURL); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}

	if state != nil && (len(state.LocalStorage) > 0 || len(state.SessionStorage) > 0) {
		seed := &schemas.StorageState{
			LocalStorage:   state.LocalStorage,
			SessionStorage: state.SessionStorage,
		}
		if err := driver.SeedState(ctx, seed); err != nil {
			log.Warn("Web storage restore failed.", zap.Error(err))
		} else if err := driver.Navigate(ctx, rawURL); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}
	}

	if creds != nil {
		needsLogin, err := o.hasLoginForm(ctx, driver)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
		if needsLogin {
			if err := o.performLogin(ctx, driver, creds, log); err != nil {
				return fail(err)
			}
			o.persistState(ctx, driver, siteID, log)
		} else {
			// Either the restored session skipped the login page or the
			// detection heuristic missed the form; subsequent operations
			// will fail visibly in the latter case.
			log.Warn("Credentials supplied but no login form found, skipping login.")
		}
	}

	conn := &connection{
		handle:  uuid.New().String(),
		siteID:  siteID,
		url:     rawURL,
		leaseID: lease.ID,
		driver:  driver,
	}
	o.mu.Lock()
	o.conns[conn.handle] = conn
	o.mu.Unlock()

	log.Info("Connected.", zap.String("handle", conn.handle), zap.String("lease_id", lease.ID))
	return conn.handle, nil
}

// hasLoginForm checks for a visible password input, the one reliable signal
// across login form variants.
func (o *Orchestrator) hasLoginForm(ctx context.Context, driver pageDriver) (bool, error) {
	n, err := driver.Count(ctx, `input[type="password"]`)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// persistState captures and stores the session state, best effort. A failed
// save costs a re-login next time, never the current operation.
func (o *Orchestrator) persistState(ctx context.Context, driver pageDriver, siteID string, log *zap.Logger) {
	state, err := driver.CaptureState(ctx)
	if err != nil {
		log.Warn("Session state capture failed.", zap.Error(err))
		return
	}
	if state.IsEmpty() {
		return
	}
	if err := o.store.Save(siteID, state); err != nil {
		log.Warn("Session state save failed.", zap.Error(err))
	}
}

func (o *Orchestrator) get(handle string) (*connection, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	conn, ok := o.conns[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, handle)
	}
	return conn, nil
}

// ensureNavigated brings the connection's tab onto pageURL when it is not
// already there. An empty pageURL means the current page. Must be called
// with the connection mutex held. Navigation errors surface unwrapped so
// callers can match ErrNavigationTimeout.
func (o *Orchestrator) ensureNavigated(ctx context.Context, conn *connection, pageURL string) error {
	if pageURL == "" || pageURL == conn.url {
		return nil
	}
	if err := conn.driver.Navigate(ctx, pageURL); err != nil {
		return err
	}
	conn.url = pageURL
	return nil
}

// DetectSections captures the rendered markup and runs structural section
// detection on it. A non-empty pageURL navigates there first; empty operates
// on the connection's current page. An empty result means the page matched
// nothing recognizable, not a failure.
func (o *Orchestrator) DetectSections(ctx context.Context, handle, pageURL string) ([]schemas.CandidateSection, error) {
	conn, err := o.get(handle)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := o.ensureNavigated(ctx, conn, pageURL); err != nil {
		return nil, err
	}

	markup, err := conn.driver.OuterHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}
	title, err := conn.driver.Title(ctx)
	if err != nil {
		title = ""
	}

	sections, err := o.detector.Detect(ctx, markup, title)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}
	return sections, nil
}

// DetectSectionsVisual runs geometry-based detection. A non-empty pageURL
// navigates there first. It also returns the full-page screenshot the
// bounding boxes were measured against; the screenshot reference on each
// section names that capture.
func (o *Orchestrator) DetectSectionsVisual(ctx context.Context, handle, pageURL string) ([]schemas.CandidateSection, []byte, error) {
	conn, err := o.get(handle)
	if err != nil {
		return nil, nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := o.ensureNavigated(ctx, conn, pageURL); err != nil {
		return nil, nil, err
	}

	geom, err := conn.driver.Geometry(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}

	var ref string
	shot, err := conn.driver.Screenshot(ctx)
	if err != nil {
		o.logger.Warn("Screenshot capture failed during visual detection.",
			zap.String("handle", handle), zap.Error(err))
		shot = nil
	} else {
		ref = handle + "-visual.png"
	}

	sections := o.analyzer.Analyze(geom, ref)
	if len(sections) == 0 {
		return nil, nil, fmt.Errorf("%w: geometry yielded no plausible sections", ErrDetectionFailed)
	}
	return sections, shot, nil
}

// UpdateContent navigates to pageURL (required, since a locator is only
// meaningful on a specific page) and replaces the content of every element
// the locator resolves to. Content containing markup is applied as HTML,
// plain strings as text. A locator resolving nowhere returns
// ErrSectionNotFound and leaves the page untouched.
func (o *Orchestrator) UpdateContent(ctx context.Context, handle, pageURL, locator, newContent string) (*UpdateResult, error) {
	conn, err := o.get(handle)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pageURL) == "" {
		return nil, fmt.Errorf("a page URL is required to update content")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := o.ensureNavigated(ctx, conn, pageURL); err != nil {
		return nil, err
	}

	previous, found, err := conn.driver.ContentSnapshot(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %q before update: %w", locator, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, locator)
	}

	asHTML := strings.Contains(newContent, "<")
	matched, err := conn.driver.SetContent(ctx, locator, newContent, asHTML)
	if err != nil {
		return nil, fmt.Errorf("failed to update %q: %w", locator, err)
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, locator)
	}

	o.logger.Info("Content updated.",
		zap.String("handle", handle),
		zap.String("locator", locator),
		zap.Int("matched", matched),
		zap.Bool("as_html", asHTML))
	return &UpdateResult{
		Locator:  locator,
		Previous: previous,
		Matched:  matched,
		AsHTML:   asHTML,
	}, nil
}

// Screenshot captures the full page. A non-empty pageURL navigates there
// first.
func (o *Orchestrator) Screenshot(ctx context.Context, handle, pageURL string) ([]byte, error) {
	conn, err := o.get(handle)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := o.ensureNavigated(ctx, conn, pageURL); err != nil {
		return nil, err
	}
	return conn.driver.Screenshot(ctx)
}

// Disconnect persists the connection's session state, releases its lease,
// and invalidates the handle. A second disconnect of the same handle returns
// ErrInvalidHandle.
func (o *Orchestrator) Disconnect(ctx context.Context, handle string) error {
	o.mu.Lock()
	conn, ok := o.conns[handle]
	if ok {
		delete(o.conns, handle)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, handle)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	log := o.logger.With(zap.String("handle", handle), zap.String("site", conn.siteID))
	o.persistState(ctx, conn.driver, conn.siteID, log)

	if err := o.pool.Release(conn.leaseID); err != nil {
		log.Warn("Lease release failed during disconnect.", zap.Error(err))
	}
	log.Info("Disconnected.")
	return nil
}

// Shutdown disconnects every live handle. Used on process exit so session
// state lands on disk.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	handles := make([]string, 0, len(o.conns))
	for h := range o.conns {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	for _, h := range handles {
		if err := o.Disconnect(ctx, h); err != nil {
			o.logger.Warn("Disconnect during shutdown failed.", zap.String("handle", h), zap.Error(err))
		}
	}
}
