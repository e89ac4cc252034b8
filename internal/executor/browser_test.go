package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/model"
)

func servePages(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pricing":
			_, _ = w.Write([]byte(pricingHTML))
		case "/shell":
			_, _ = w.Write([]byte(jsShellHTML))
		case "/about":
			_, _ = w.Write([]byte("<html><body><h1>About</h1><p>We make widgets.</p></body></html>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBrowserStaticPage(t *testing.T) {
	t.Parallel()
	srv := servePages(t)
	r := &fakeRenderer{}
	b := NewBrowser(newTestFetcher(), r, NewExtractor(0))

	res := b.Execute(context.Background(), testVendor(srv.URL+"/pricing"))
	assert.Equal(t, model.ResultSuccess, res.Status)
	assert.Equal(t, model.MethodPlaywright, res.Method)
	assert.Equal(t, "v-acme", res.VendorID)
	assert.Zero(t, res.ActualCost)
	require.NotNil(t, res.Data)
	assert.Len(t, res.Data.Tiers, 3)
	assert.Equal(t, 0, r.renders, "static page needs no render")
}

func TestBrowserRendersJSShell(t *testing.T) {
	t.Parallel()
	srv := servePages(t)
	r := &fakeRenderer{html: pricingHTML}
	b := NewBrowser(newTestFetcher(), r, NewExtractor(0))

	res := b.Execute(context.Background(), testVendor(srv.URL+"/shell"))
	assert.Equal(t, model.ResultSuccess, res.Status)
	assert.Equal(t, 1, r.renders)
}

func TestBrowserNoTiersIsRetryable(t *testing.T) {
	t.Parallel()
	srv := servePages(t)
	b := NewBrowser(newTestFetcher(), nil, NewExtractor(0))

	res := b.Execute(context.Background(), testVendor(srv.URL+"/about"))
	assert.Equal(t, model.ResultFailed, res.Status)
	assert.True(t, res.Retryable())
	assert.Contains(t, res.ErrorMessage(), "page-structure mismatch")
}

func TestBrowserMissingPageIsTerminal(t *testing.T) {
	t.Parallel()
	srv := servePages(t)
	r := &fakeRenderer{html: pricingHTML}
	b := NewBrowser(newTestFetcher(), r, NewExtractor(0))

	res := b.Execute(context.Background(), testVendor(srv.URL+"/missing"))
	assert.Equal(t, model.ResultFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.True(t, res.Error.Terminal)
	assert.Equal(t, 0, r.renders)
}

func TestBrowserRenderBlockedSuggestsEscalation(t *testing.T) {
	t.Parallel()
	srv := servePages(t)
	r := &fakeRenderer{err: &BlockedError{URL: srv.URL + "/shell", Type: BlockCloudflare}}
	b := NewBrowser(newTestFetcher(), r, NewExtractor(0))

	res := b.Execute(context.Background(), testVendor(srv.URL+"/shell"))
	assert.Equal(t, model.ResultFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.False(t, res.Error.ShouldRetry)
	assert.Equal(t, model.MethodFirecrawl, res.Error.SuggestedMethod)
}
