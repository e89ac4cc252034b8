package executor

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/price-scraper/internal/resilience"
)

// Renderer loads a page in a real browser.
type Renderer interface {
	// Render returns the page HTML after scripts have run.
	Render(ctx context.Context, url, waitSelector string) (string, error)
	// Screenshot returns a full-page PNG.
	Screenshot(ctx context.Context, url, waitSelector string) ([]byte, error)
	Close() error
}

// RodOptions configures a RodRenderer.
type RodOptions struct {
	// BinPath is the Chromium binary; empty lets rod download or locate one.
	BinPath  string
	Stealth  bool
	MaxPages int
	Timeout  time.Duration
}

// RodRenderer renders pages in headless Chromium. The browser is launched
// on first use and shared by all pages.
type RodRenderer struct {
	opts  RodOptions
	pages *semaphore.Weighted

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodRenderer creates a renderer. No browser is started until the first
// Render or Screenshot.
func NewRodRenderer(opts RodOptions) *RodRenderer {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &RodRenderer{opts: opts, pages: semaphore.NewWeighted(int64(opts.MaxPages))}
}

func (r *RodRenderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	if r.opts.BinPath != "" {
		l = l.Bin(r.opts.BinPath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "render: launch browser")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, eris.Wrap(err, "render: connect browser")
	}
	r.browser = b
	zap.L().Info("headless browser started", zap.Bool("stealth", r.opts.Stealth), zap.Int("max_pages", r.opts.MaxPages))
	return b, nil
}

// open navigates a fresh page to url and waits for it to settle.
func (r *RodRenderer) open(ctx context.Context, url, waitSelector string) (*rod.Page, func(), error) {
	if err := r.pages.Acquire(ctx, 1); err != nil {
		return nil, nil, eris.Wrap(err, "render: wait for page slot")
	}
	release := func() { r.pages.Release(1) }

	b, err := r.connect()
	if err != nil {
		release()
		return nil, nil, err
	}

	var page *rod.Page
	if r.opts.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		release()
		return nil, nil, resilience.NewTransientError(eris.Wrap(err, "render: open page"), 0)
	}
	cleanup := func() {
		_ = page.Close()
		release()
	}

	p := page.Context(ctx).Timeout(r.opts.Timeout)
	if err := p.Navigate(url); err != nil {
		cleanup()
		return nil, nil, resilience.NewTransientError(eris.Wrapf(err, "render: navigate %s", url), 0)
	}
	if err := p.WaitLoad(); err != nil {
		cleanup()
		return nil, nil, resilience.NewTransientError(eris.Wrapf(err, "render: load %s", url), 0)
	}
	if err := p.WaitStable(500 * time.Millisecond); err != nil {
		zap.L().Debug("render: page did not settle, continuing", zap.String("url", url), zap.Error(err))
	}
	if waitSelector != "" {
		el, err := p.Timeout(10 * time.Second).Element(waitSelector)
		if err == nil {
			err = el.WaitVisible()
		}
		if err != nil {
			zap.L().Debug("render: wait selector not visible", zap.String("selector", waitSelector), zap.Error(err))
		}
	}
	return p, cleanup, nil
}

// Render implements Renderer.
func (r *RodRenderer) Render(ctx context.Context, url, waitSelector string) (string, error) {
	page, cleanup, err := r.open(ctx, url, waitSelector)
	if err != nil {
		return "", err
	}
	defer cleanup()

	html, err := page.HTML()
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "render: read html"), 0)
	}
	if bt := DetectBlockHTML([]byte(html)); bt != BlockNone && bt != BlockJSShell {
		return "", &BlockedError{URL: url, Type: bt}
	}
	return html, nil
}

// Screenshot implements Renderer.
func (r *RodRenderer) Screenshot(ctx context.Context, url, waitSelector string) ([]byte, error) {
	page, cleanup, err := r.open(ctx, url, waitSelector)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	png, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "render: screenshot"), 0)
	}
	return png, nil
}

// Close shuts the browser down if it was started.
func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
