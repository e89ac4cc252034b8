package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/pkg/anthropic"
)

const pricingHTML = `<html><body>
<h1>Pricing</h1>
<div class="plans">
  <div class="plan-card"><h3>STARTER</h3><span class="plan-price">$0/mo</span></div>
  <div class="plan-card"><h3>Pro</h3><span class="plan-price">$49 /month</span><p>Up to 10 projects</p></div>
  <div class="plan-card"><h3>Enterprise</h3><span class="plan-price">Contact sales</span></div>
</div>
</body></html>`

const jsShellHTML = `<html><head><noscript>Please enable JavaScript to view this page.</noscript></head><body><div id="root"></div></body></html>`

func testVendor(url string) model.Vendor {
	return model.Vendor{ID: "v-acme", Slug: "acme", Name: "Acme", PricingURL: url, Active: true}
}

type fakeRenderer struct {
	mu          sync.Mutex
	html        string
	png         []byte
	err         error
	renders     int
	screenshots int
}

func (f *fakeRenderer) Render(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders++
	return f.html, f.err
}

func (f *fakeRenderer) Screenshot(_ context.Context, _, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots++
	return f.png, f.err
}

func (f *fakeRenderer) Close() error { return nil }

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

type scriptedExecutor struct {
	method  model.Method
	results []model.ScrapeResult
	calls   int
}

func (s *scriptedExecutor) Method() model.Method { return s.method }

func (s *scriptedExecutor) Execute(_ context.Context, v model.Vendor) model.ScrapeResult {
	r := s.results[s.calls%len(s.results)]
	s.calls++
	r.VendorID = v.ID
	r.Method = s.method
	return r
}

type panicExecutor struct{}

func (panicExecutor) Method() model.Method { return model.MethodFirecrawl }

func (panicExecutor) Execute(context.Context, model.Vendor) model.ScrapeResult {
	panic("boom")
}

type recordingNotifier struct {
	vendors []string
	reasons []string
	err     error
}

func (n *recordingNotifier) RequestManualReview(_ context.Context, v model.Vendor, reason string) error {
	n.vendors = append(n.vendors, v.ID)
	n.reasons = append(n.reasons, reason)
	return n.err
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
