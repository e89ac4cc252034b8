package executor

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
)

// BlockType describes the kind of anti-bot block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockForbidden  BlockType = "forbidden"
)

// BlockedError reports a page that refused automated access.
type BlockedError struct {
	URL  string
	Type BlockType
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked (%s): %s", e.Type, e.URL)
}

// Suggested returns the method most likely to get past the block.
func (e *BlockedError) Suggested() model.Method {
	if e.Type == BlockCaptcha {
		return model.MethodVision
	}
	return model.MethodFirecrawl
}

func asBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// DetectBlock checks an HTTP response for signs of anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable) {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" ||
			resp.Header.Get("server") == "cloudflare" {
			return BlockCloudflare
		}
	}
	return DetectBlockHTML(body)
}

// DetectBlockHTML checks rendered or fetched markup for challenge pages.
func DetectBlockHTML(body []byte) BlockType {
	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return BlockCloudflare
	}

	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") ||
		strings.Contains(lower, "captcha-container") ||
		strings.Contains(lower, "verify you are human") {
		return BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// RatePerHost is the initial per-host request rate.
	RatePerHost rate.Limit
}

// Page is a fetched pricing page.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
}

// Fetcher performs plain HTTP GETs of pricing pages with per-host adaptive
// rate limiting and brotli/gzip/deflate decoding.
type Fetcher struct {
	client *http.Client
	opts   FetchOptions

	mu       sync.Mutex
	limiters map[string]*pacer
}

// NewFetcher creates a Fetcher with defaults for unset options.
func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0 Safari/537.36"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		},
		opts:     opts,
		limiters: make(map[string]*pacer),
	}
}

func (f *Fetcher) limiterFor(host string) *pacer {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = newPacer(host, f.opts.RatePerHost)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch GETs rawURL. Blocks are reported as *BlockedError, missing pages
// and login walls as resilience.TerminalError, and 429/5xx as
// resilience.TransientError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &resilience.TerminalError{Err: eris.Wrapf(err, "fetch: parse url %q", rawURL)}
	}
	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetch: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetch: request"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := decompressReader(resp, io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: decode body")
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetch: read body"), 0)
	}

	if bt := DetectBlock(resp, body); bt != BlockNone {
		return nil, &BlockedError{URL: rawURL, Type: bt}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit(retryAfter(resp.Header))
		return nil, resilience.NewTransientError(eris.Errorf("fetch: http 429 from %s", rawURL), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &resilience.TerminalError{Err: eris.Errorf("fetch: pricing page gone (http %d): %s", resp.StatusCode, rawURL)}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &resilience.TerminalError{Err: eris.Errorf("fetch: login required: %s", rawURL)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &BlockedError{URL: rawURL, Type: BlockForbidden}
	case resp.StatusCode >= 400:
		return nil, eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL)
	}
	lim.OnSuccess()

	zap.L().Debug("fetched pricing page",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return &Page{URL: rawURL, StatusCode: resp.StatusCode, HTML: string(body)}, nil
}

func decompressReader(resp *http.Response, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}
