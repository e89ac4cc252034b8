package executor

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/model"
)

// Notifier files manual-review requests.
type Notifier interface {
	RequestManualReview(ctx context.Context, v model.Vendor, reason string) error
}

// Manual hands the vendor to a human. The result is pending; the job
// completes with a warning and the reviewer records tiers out of band.
type Manual struct {
	notifier Notifier
}

// NewManual creates the manual-method executor. notifier may be nil, in
// which case the request is only logged.
func NewManual(notifier Notifier) *Manual {
	return &Manual{notifier: notifier}
}

// Method implements Executor.
func (m *Manual) Method() model.Method { return model.MethodManual }

// Execute implements Executor.
func (m *Manual) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	started := time.Now()
	reason := v.LastError
	if reason == "" {
		reason = "automated methods exhausted"
	}

	if m.notifier != nil {
		if err := m.notifier.RequestManualReview(ctx, v, reason); err != nil {
			return failure(v, m.Method(), started, 0, eris.Wrap(err, "manual: file review request"), true)
		}
	}
	zap.L().Info("manual review requested",
		zap.String("vendor_id", v.ID),
		zap.String("pricing_url", v.PricingURL),
		zap.String("reason", reason),
	)

	res := finished(v, m.Method(), started, 0)
	res.Status = model.ResultPending
	res.Error = &model.ScrapeError{Message: "awaiting manual review: " + reason}
	return res
}
