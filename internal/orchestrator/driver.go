// internal/orchestrator/driver.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/browser"
	"github.com/kestrelworks/sitewright/internal/visual"
)

// pageDriver is the narrow surface the orchestrator needs from a live page.
// The CDP implementation below is the only production driver; tests supply a
// scripted one so the whole facade runs without a browser.
type pageDriver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context) (string, error)
	Geometry(ctx context.Context) (*visual.PageGeometry, error)
	Screenshot(ctx context.Context) ([]byte, error)
	SeedState(ctx context.Context, state *schemas.StorageState) error
	CaptureState(ctx context.Context) (*schemas.StorageState, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Count(ctx context.Context, selector string) (int, error)
	ContentSnapshot(ctx context.Context, selector string) (string, bool, error)
	SetContent(ctx context.Context, selector, content string, asHTML bool) (int, error)
}

// cdpDriver drives one leased browser tab over the Chrome DevTools Protocol.
// The lease context is the master context carrying the CDP target; every
// operation combines it with the caller's context so either side can cancel.
type cdpDriver struct {
	ctx        context.Context
	navTimeout time.Duration
	logger     *zap.Logger
}

var _ pageDriver = (*cdpDriver)(nil)

func newCDPDriver(lease *browser.Lease, navTimeout time.Duration, logger *zap.Logger) *cdpDriver {
	return &cdpDriver{
		ctx:        lease.Context(),
		navTimeout: navTimeout,
		logger:     logger.Named("driver").With(zap.String("lease_id", lease.ID)),
	}
}

// run executes chromedp actions on the master context, canceled when the
// operational context is.
func (d *cdpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := browser.CombineContext(d.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *cdpDriver) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := context.WithTimeout(ctx, d.navTimeout)
	defer cancel()

	err := d.run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, d.navTimeout, url)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (d *cdpDriver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return u, nil
}

func (d *cdpDriver) Title(ctx context.Context) (string, error) {
	var t string
	if err := d.run(ctx, chromedp.Title(&t)); err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return t, nil
}

func (d *cdpDriver) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture rendered markup: %w", err)
	}
	return html, nil
}

func (d *cdpDriver) Geometry(ctx context.Context) (*visual.PageGeometry, error) {
	var geom visual.PageGeometry
	if err := d.run(ctx, chromedp.Evaluate(visual.GeometryScript, &geom)); err != nil {
		return nil, fmt.Errorf("failed to collect page geometry: %w", err)
	}
	return &geom, nil
}

func (d *cdpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// SeedState restores cookies via CDP and web storage via script. Web storage
// is origin-scoped, so callers seed cookies before navigation and storage
// after the origin is loaded.
func (d *cdpDriver) SeedState(ctx context.Context, state *schemas.StorageState) error {
	if state.IsEmpty() {
		return nil
	}

	if len(state.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.SameSite != "" {
				p.SameSite = network.CookieSameSite(c.SameSite)
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p.Expires = &exp
			}
			params = append(params, p)
		}
		err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return storage.SetCookies(params).Do(ctx)
		}))
		if err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if len(state.LocalStorage) > 0 || len(state.SessionStorage) > 0 {
		script := fmt.Sprintf(`(() => {
			const local = %s, session = %s;
			for (const k in local) localStorage.setItem(k, local[k]);
			for (const k in session) sessionStorage.setItem(k, session[k]);
			return true;
		})()`, jsEncode(state.LocalStorage), jsEncode(state.SessionStorage))
		var ok bool
		if err := d.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
			return fmt.Errorf("failed to restore web storage: %w", err)
		}
	}
	return nil
}

func (d *cdpDriver) CaptureState(ctx context.Context) (*schemas.StorageState, error) {
	var cdpCookies []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cdpCookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	state := &schemas.StorageState{}
	for _, c := range cdpCookies {
		state.Cookies = append(state.Cookies, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	var dump struct {
		Origin         string            `json:"origin"`
		LocalStorage   map[string]string `json:"localStorage"`
		SessionStorage map[string]string `json:"sessionStorage"`
	}
	const dumpScript = `(() => {
		const dump = (s) => {
			const out = {};
			for (let i = 0; i < s.length; i++) { const k = s.key(i); out[k] = s.getItem(k); }
			return out;
		};
		return { origin: location.origin, localStorage: dump(localStorage), sessionStorage: dump(sessionStorage) };
	})()`
	if err := d.run(ctx, chromedp.Evaluate(dumpScript, &dump)); err != nil {
		// Web storage is inaccessible on some origins (e.g. about:blank);
		// cookies alone are still worth persisting.
		d.logger.Debug("Web storage capture failed, keeping cookies only.", zap.Error(err))
	} else {
		state.Origin = dump.Origin
		state.LocalStorage = dump.LocalStorage
		state.SessionStorage = dump.SessionStorage
	}
	return state, nil
}

func (d *cdpDriver) Fill(ctx context.Context, selector, value string) error {
	err := d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return nil
}

func (d *cdpDriver) Click(ctx context.Context, selector string) error {
	if err := d.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// Count resolves a selector without the implicit waiting chromedp query
// actions perform; a zero count is an answer, not a timeout.
func (d *cdpDriver) Count(ctx context.Context, selector string) (int, error) {
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsEncode(selector))
	var n int
	if err := d.run(ctx, chromedp.Evaluate(script, &n)); err != nil {
		return 0, fmt.Errorf("failed to count matches for %q: %w", selector, err)
	}
	return n, nil
}

func (d *cdpDriver) ContentSnapshot(ctx context.Context, selector string) (string, bool, error) {
	script := fmt.Sprintf(`(() => {
		const node = document.querySelector(%s);
		if (!node) return { found: false, html: "" };
		return { found: true, html: node.innerHTML };
	})()`, jsEncode(selector))

	var res struct {
		Found bool   `json:"found"`
		HTML  string `json:"html"`
	}
	if err := d.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return "", false, fmt.Errorf("failed to snapshot %q: %w", selector, err)
	}
	return res.HTML, res.Found, nil
}

func (d *cdpDriver) SetContent(ctx context.Context, selector, content string, asHTML bool) (int, error) {
	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%s);
		nodes.forEach((n) => { if (%t) { n.innerHTML = %s; } else { n.textContent = %s; } });
		return nodes.length;
	})()`, jsEncode(selector), asHTML, jsEncode(content), jsEncode(content))

	var n int
	if err := d.run(ctx, chromedp.Evaluate(script, &n)); err != nil {
		return 0, fmt.Errorf("failed to update %q: %w", selector, err)
	}
	return n, nil
}

// jsEncode safely embeds a Go value into a script as a JSON literal.
func jsEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
