package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/model"
)

// Browser is the free method: a plain HTTP fetch first, then a headless
// render when the page is a JS shell, is blocked, or yields no tiers.
type Browser struct {
	fetcher  *Fetcher
	renderer Renderer
	extract  *Extractor
}

// NewBrowser creates the playwright-method executor. renderer may be nil,
// in which case only the HTTP fetch is attempted.
func NewBrowser(fetcher *Fetcher, renderer Renderer, extract *Extractor) *Browser {
	return &Browser{fetcher: fetcher, renderer: renderer, extract: extract}
}

// Method implements Executor.
func (b *Browser) Method() model.Method { return model.MethodPlaywright }

// Execute implements Executor.
func (b *Browser) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	started := time.Now()
	log := zap.L().With(zap.String("vendor_id", v.ID), zap.String("method", string(b.Method())))

	// partial holds tiers from the plain fetch in case the render does
	// no better.
	var partial *model.PricingData
	page, err := b.fetcher.Fetch(ctx, v.PricingURL)
	if err == nil {
		data, xerr := b.extract.ExtractHTML(page.HTML, v.PricingURL, v.Hints)
		if xerr == nil {
			status, _ := Classify(data, b.extract.MinConfidence())
			if status == model.ResultSuccess || b.renderer == nil {
				return extracted(v, b.Method(), started, 0, data, b.extract.MinConfidence())
			}
			partial = data
		}
		err = xerr
	}
	if !b.shouldRender(err) {
		return b.fail(v, started, err)
	}

	log.Debug("falling back to headless render", zap.Error(err))
	rendered, rerr := b.renderer.Render(ctx, v.PricingURL, v.Hints.WaitSelector)
	if rerr == nil {
		data, xerr := b.extract.ExtractHTML(rendered, v.PricingURL, v.Hints)
		if xerr == nil {
			status, _ := Classify(data, b.extract.MinConfidence())
			if status == model.ResultSuccess || partial == nil {
				return extracted(v, b.Method(), started, 0, data, b.extract.MinConfidence())
			}
		}
		rerr = xerr
	}
	if partial != nil {
		log.Debug("render did not improve on fetched page", zap.Error(rerr))
		return extracted(v, b.Method(), started, 0, partial, b.extract.MinConfidence())
	}
	return b.fail(v, started, rerr)
}

func (b *Browser) shouldRender(err error) bool {
	if b.renderer == nil {
		return false
	}
	if err == nil || errors.Is(err, ErrNoTiers) {
		return true
	}
	if be, ok := asBlocked(err); ok {
		return be.Type == BlockJSShell || be.Type == BlockForbidden
	}
	return false
}

func (b *Browser) fail(v model.Vendor, started time.Time, err error) model.ScrapeResult {
	if errors.Is(err, ErrNoTiers) {
		res := finished(v, b.Method(), started, 0)
		res.Status = model.ResultFailed
		res.Error = &model.ScrapeError{Message: err.Error(), ShouldRetry: true}
		return res
	}
	return failure(v, b.Method(), started, 0, err, true)
}
