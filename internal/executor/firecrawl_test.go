package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/pkg/firecrawl"
)

func newTestFirecrawl(t *testing.T, handler http.HandlerFunc) *Firecrawl {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := firecrawl.NewClient("fc-key", firecrawl.WithBaseURL(srv.URL))
	return NewFirecrawl(client, cost.NewCalculator(cost.DefaultRates()), NewExtractor(0), 1000)
}

func TestFirecrawlSuccessBillsCredits(t *testing.T) {
	t.Parallel()
	f := newTestFirecrawl(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"html":` + quote(pricingHTML) + `,"metadata":{"statusCode":200,"creditsUsed":2}}}`))
	})

	res := f.Execute(context.Background(), testVendor("https://acme.example/pricing"))
	assert.Equal(t, model.ResultSuccess, res.Status)
	assert.Equal(t, model.MethodFirecrawl, res.Method)
	assert.InDelta(t, 0.02, res.ActualCost, 1e-9)
	require.NotNil(t, res.Data)
	assert.Len(t, res.Data.Tiers, 3)
}

func TestFirecrawlMarkdownFallback(t *testing.T) {
	t.Parallel()
	f := newTestFirecrawl(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"## Solo\n$5/mo\n## Duo\n$9/mo\n","metadata":{"statusCode":200}}}`))
	})

	res := f.Execute(context.Background(), testVendor("https://acme.example/pricing"))
	assert.Equal(t, model.ResultSuccess, res.Status)
	assert.InDelta(t, 0.01, res.ActualCost, 1e-9)
	require.NotNil(t, res.Data)
	assert.Len(t, res.Data.Tiers, 2)
}

func TestFirecrawlFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		retry     bool
		terminal  bool
		cost      float64
		suggested model.Method
	}{
		{"rate limited", 429, `{"error":"slow"}`, true, false, 0, ""},
		{"server error", 502, `{"error":"bad gateway"}`, true, false, 0, ""},
		{"out of credits", 402, `{"error":"payment required"}`, false, false, 0, ""},
		{"page gone", 200, `{"success":true,"data":{"html":"<p>nope</p>","metadata":{"statusCode":404}}}`, false, true, 0.01, ""},
		{"no tiers", 200, `{"success":true,"data":{"html":"<p>About</p>","metadata":{"statusCode":200}}}`, true, false, 0.01, model.MethodVision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newTestFirecrawl(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			res := f.Execute(context.Background(), testVendor("https://acme.example/pricing"))
			assert.Equal(t, model.ResultFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.retry, res.Error.ShouldRetry)
			assert.Equal(t, tt.terminal, res.Error.Terminal)
			assert.Equal(t, tt.suggested, res.Error.SuggestedMethod)
			assert.InDelta(t, tt.cost, res.ActualCost, 1e-9)
		})
	}
}
