package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/pkg/firecrawl"
)

// Firecrawl scrapes through the Firecrawl API and extracts tiers from the
// returned HTML, falling back to markdown.
type Firecrawl struct {
	client  firecrawl.Client
	limiter *pacer
	calc    *cost.Calculator
	extract *Extractor
}

// NewFirecrawl creates the firecrawl-method executor. requestsPerSec <= 0
// defaults to 1.
func NewFirecrawl(client firecrawl.Client, calc *cost.Calculator, extract *Extractor, requestsPerSec float64) *Firecrawl {
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	return &Firecrawl{
		client:  client,
		limiter: newPacer("firecrawl", rate.Limit(requestsPerSec)),
		calc:    calc,
		extract: extract,
	}
}

// Method implements Executor.
func (f *Firecrawl) Method() model.Method { return model.MethodFirecrawl }

// Execute implements Executor. Only successful API calls are billed.
func (f *Firecrawl) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	started := time.Now()
	if err := f.limiter.Wait(ctx); err != nil {
		return failure(v, f.Method(), started, 0, eris.Wrap(err, "firecrawl: rate limiter wait"), true)
	}

	req := firecrawl.ScrapeRequest{
		URL:     v.PricingURL,
		Formats: []string{firecrawl.FormatMarkdown, firecrawl.FormatHTML},
	}
	if v.Hints.WaitSelector != "" {
		req.WaitFor = 2000
	}
	resp, err := f.client.Scrape(ctx, req)
	if err != nil {
		retry, cerr := f.classify(err)
		return failure(v, f.Method(), started, 0, cerr, retry)
	}
	f.limiter.OnSuccess()

	spent := f.calc.FirecrawlCredits(resp.Data.Credits())
	switch sc := resp.Data.Metadata.StatusCode; {
	case sc == http.StatusNotFound || sc == http.StatusGone:
		return failure(v, f.Method(), started, spent,
			&resilience.TerminalError{Err: eris.Errorf("firecrawl: pricing page gone (http %d)", sc)}, false)
	case sc == http.StatusUnauthorized:
		return failure(v, f.Method(), started, spent,
			&resilience.TerminalError{Err: eris.New("firecrawl: login required")}, false)
	}

	var data *model.PricingData
	if resp.Data.HTML != "" {
		data, err = f.extract.ExtractHTML(resp.Data.HTML, v.PricingURL, v.Hints)
	}
	if data == nil && resp.Data.Markdown != "" {
		data, err = f.extract.ExtractMarkdown(resp.Data.Markdown, v.PricingURL, v.Hints)
	}
	if data == nil {
		if err == nil {
			err = ErrNoTiers
		}
		res := finished(v, f.Method(), started, spent)
		res.Status = model.ResultFailed
		res.Error = &model.ScrapeError{
			Message:         err.Error(),
			ShouldRetry:     errors.Is(err, ErrNoTiers),
			SuggestedMethod: model.MethodVision,
		}
		return res
	}
	return extracted(v, f.Method(), started, spent, data, f.extract.MinConfidence())
}

// classify maps API errors onto resilience error kinds. Client-side API
// errors (bad key, no credits) are not retried so the job escalates.
func (f *Firecrawl) classify(err error) (bool, error) {
	var apiErr *firecrawl.APIError
	if !errors.As(err, &apiErr) {
		return true, err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		f.limiter.OnRateLimit(apiErr.RetryAfter)
	}
	if apiErr.Retryable() {
		return true, resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return false, err
}
