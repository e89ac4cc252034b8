package executor

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pacer throttles requests to one backend. It speeds up by a fifth after
// each success up to twice the base rate, halves after a 429 down to a
// quarter of it, and honors a server-sent Retry-After pause.
type pacer struct {
	name    string
	limiter *rate.Limiter
	base    rate.Limit

	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func newPacer(name string, base rate.Limit) *pacer {
	return &pacer{
		name:    name,
		limiter: rate.NewLimiter(base, 1),
		base:    base,
		now:     time.Now,
	}
}

// Wait blocks until any Retry-After pause has passed and the limiter
// admits one request.
func (p *pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	pause := p.until.Sub(p.now())
	p.mu.Unlock()
	if pause > 0 {
		t := time.NewTimer(pause)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.limiter.Wait(ctx)
}

func (p *pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLimit(p.limiter.Limit() * 1.2)
}

// OnRateLimit slows the pacer after a 429. retryAfter > 0 also pauses all
// requests for that long.
func (p *pacer) OnRateLimit(retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLimit(p.limiter.Limit() * 0.5)
	if retryAfter > 0 {
		if until := p.now().Add(retryAfter); until.After(p.until) {
			p.until = until
		}
	}
	zap.L().Warn("backend rate limited",
		zap.String("backend", p.name),
		zap.Float64("rate", float64(p.limiter.Limit())),
		zap.Duration("retry_after", retryAfter),
	)
}

func (p *pacer) setLimit(r rate.Limit) {
	r = min(max(r, p.base/4), p.base*2)
	p.limiter.SetLimit(r)
}

func (p *pacer) Limit() rate.Limit { return p.limiter.Limit() }

// retryAfter reads a delay-seconds Retry-After header. HTTP-date values
// and garbage yield zero.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
