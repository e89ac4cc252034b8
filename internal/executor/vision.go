package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/pkg/anthropic"
)

const visionSystemPrompt = `You read screenshots of SaaS pricing pages and return the pricing tiers as JSON.
Respond with a single JSON object and nothing else:
{"currency": "USD", "tiers": [{"name": "Pro", "price": 49, "currency": "USD", "price_model": "flat|per_seat|usage|free|custom", "billing_period": "monthly|yearly", "confidence": 0.0-1.0}]}
Use null for the price of contact-sales tiers. If the page shows a login wall, a captcha, or no pricing at all, respond with {"blocked": "<short reason>"}.`

// Vision screenshots the pricing page and asks a Claude model to read the
// tiers from the image.
type Vision struct {
	renderer  Renderer
	client    anthropic.Client
	calc      *cost.Calculator
	model     string
	maxTokens int64
	minConf   float64
}

// NewVision creates the vision-method executor.
func NewVision(renderer Renderer, client anthropic.Client, calc *cost.Calculator, modelName string, maxTokens int64, minConfidence float64) *Vision {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Vision{
		renderer:  renderer,
		client:    client,
		calc:      calc,
		model:     modelName,
		maxTokens: maxTokens,
		minConf:   minConfidence,
	}
}

// Method implements Executor.
func (x *Vision) Method() model.Method { return model.MethodVision }

// Execute implements Executor. Cost is computed from token usage.
func (x *Vision) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	started := time.Now()

	png, err := x.renderer.Screenshot(ctx, v.PricingURL, v.Hints.WaitSelector)
	if err != nil {
		if be, ok := asBlocked(err); ok && be.Type == BlockCaptcha {
			// Vision cannot solve captchas either.
			err = &resilience.TerminalError{Err: err}
		}
		return failure(v, x.Method(), started, 0, err, true)
	}

	resp, err := x.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     x.model,
		MaxTokens: x.maxTokens,
		System:    visionSystemPrompt,
		Prompt:    "Extract the pricing tiers from this page: " + v.PricingURL,
		Images:    []anthropic.Image{{MediaType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}},
		Prefill:   "{",
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			err = resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return failure(v, x.Method(), started, 0, err, apiErr == nil || apiErr.StatusCode >= http.StatusInternalServerError)
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = x.model
	}
	spent := x.calc.Claude(modelName, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	data, err := ParseVisionTiers(resp.Text(), v.PricingURL, v.Hints.Currency)
	if err != nil {
		return failure(v, x.Method(), started, spent, err, false)
	}
	return extracted(v, x.Method(), started, spent, data, x.minConf)
}

// ParseVisionTiers reads the model's JSON answer. Surrounding prose and code
// fences are ignored. A "blocked" answer is a terminal error.
func ParseVisionTiers(text, sourceURL, defaultCurrency string) (*model.PricingData, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("vision: no JSON object in response")
	}
	js := text[start : end+1]
	if !gjson.Valid(js) {
		return nil, eris.New("vision: invalid JSON in response")
	}

	if reason := gjson.Get(js, "blocked"); reason.Exists() && reason.String() != "" {
		return nil, &resilience.TerminalError{Err: eris.Errorf("vision: page unreadable: %s", reason.String())}
	}

	currency := gjson.Get(js, "currency").String()
	if currency == "" {
		currency = defaultCurrency
	}
	var tiers []model.PricingTier
	gjson.Get(js, "tiers").ForEach(func(_, t gjson.Result) bool {
		name := clean(t.Get("name").String())
		if name == "" {
			return true
		}
		tier := model.PricingTier{
			Name:          titleCase(name),
			Currency:      t.Get("currency").String(),
			PriceModel:    t.Get("price_model").String(),
			BillingPeriod: t.Get("billing_period").String(),
			Confidence:    t.Get("confidence").Float(),
		}
		if p := t.Get("price"); p.Type == gjson.Number {
			f := p.Float()
			tier.Price = &f
		}
		if tier.Currency == "" {
			tier.Currency = currency
		}
		if tier.PriceModel == "" {
			tier.PriceModel = model.PriceFlat
			if tier.Price == nil {
				tier.PriceModel = model.PriceCustom
			}
		}
		if !t.Get("confidence").Exists() {
			tier.Confidence = confidenceHeuristic
		}
		tiers = append(tiers, tier)
		return true
	})

	tiers = dedupe(tiers)
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	return &model.PricingData{Tiers: tiers, Currency: currency, SourceURL: sourceURL}, nil
}
