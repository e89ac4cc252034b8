package executor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/price-scraper/internal/model"
)

// ErrNoTiers marks a page whose structure yielded no pricing tiers.
var ErrNoTiers = eris.New("page-structure mismatch: no pricing tiers found")

// Confidence assigned per extraction path.
const (
	confidenceSelector  = 0.9
	confidenceHeuristic = 0.7
	confidenceMarkdown  = 0.6
	confidenceUnpriced  = 0.3

	// DefaultMinConfidence is the tier confidence below which a result is
	// partial.
	DefaultMinConfidence = 0.5
)

// candidateSelector matches elements that commonly wrap a single plan.
const candidateSelector = `[class*="pricing-card"], [class*="price-card"], [class*="plan"], [class*="tier"], [class*="package"], [data-plan], [data-tier]`

const (
	nameSelector  = `h1, h2, h3, h4, h5, [class*="name"], [class*="title"]`
	priceSelector = `[class*="price"], [class*="amount"], [class*="cost"]`
)

var (
	priceRe   = regexp.MustCompile(`([$€£])\s*(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	headingRe = regexp.MustCompile(`^#{1,4}\s+(.+?)\s*#*$`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

var currencies = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}

// Extractor turns pricing page markup into tiers.
type Extractor struct {
	minConfidence float64
}

// NewExtractor creates an extractor. minConfidence <= 0 uses
// DefaultMinConfidence.
func NewExtractor(minConfidence float64) *Extractor {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Extractor{minConfidence: minConfidence}
}

// MinConfidence returns the partial-result threshold.
func (e *Extractor) MinConfidence() float64 { return e.minConfidence }

// ExtractHTML extracts tiers from a pricing page. Vendor hints take
// precedence; without a tier selector a class-name heuristic is used.
func (e *Extractor) ExtractHTML(page, sourceURL string, hints model.ExtractionHints) (*model.PricingData, error) {
	var (
		tiers []model.PricingTier
		err   error
	)
	switch {
	case hints.TierSelector != "" && isXPath(hints.TierSelector):
		tiers, err = extractXPath(page, hints)
	case hints.TierSelector != "":
		tiers, err = extractCSS(page, hints)
	default:
		tiers, err = extractHeuristic(page)
	}
	if err != nil {
		return nil, err
	}
	return finalize(tiers, sourceURL, hints)
}

// ExtractMarkdown extracts tiers from markdown where each plan is a heading
// followed by its description.
func (e *Extractor) ExtractMarkdown(md, sourceURL string, hints model.ExtractionHints) (*model.PricingData, error) {
	var (
		tiers   []model.PricingTier
		name    string
		section strings.Builder
	)
	flush := func() {
		if name == "" {
			return
		}
		if p, ok := parsePrice(section.String()); ok {
			tiers = append(tiers, p.tier(name, confidenceMarkdown))
		}
		section.Reset()
	}
	for _, line := range strings.Split(md, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			name = strings.Trim(m[1], "*_ ")
			continue
		}
		section.WriteString(line)
		section.WriteByte('\n')
	}
	flush()
	return finalize(tiers, sourceURL, hints)
}

func finalize(tiers []model.PricingTier, sourceURL string, hints model.ExtractionHints) (*model.PricingData, error) {
	tiers = dedupe(tiers)
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	data := &model.PricingData{Tiers: tiers, SourceURL: sourceURL, Currency: hints.Currency}
	for i := range data.Tiers {
		if data.Tiers[i].Currency == "" {
			data.Tiers[i].Currency = hints.Currency
		}
		if data.Currency == "" {
			data.Currency = data.Tiers[i].Currency
		}
	}
	return data, nil
}

// Classify decides the result status for extracted data. Tiers without a
// price (other than contact-sales tiers) or below minConfidence make the
// result partial.
func Classify(data *model.PricingData, minConfidence float64) (model.ResultStatus, string) {
	if data == nil || len(data.Tiers) == 0 {
		return model.ResultFailed, ErrNoTiers.Error()
	}
	var unpriced, low int
	for _, t := range data.Tiers {
		if t.Price == nil && t.PriceModel != model.PriceCustom {
			unpriced++
		}
		if t.Confidence < minConfidence {
			low++
		}
	}
	if unpriced > 0 || low > 0 {
		return model.ResultPartial, "incomplete extraction: " +
			strconv.Itoa(unpriced) + " unpriced, " + strconv.Itoa(low) + " low-confidence tiers"
	}
	return model.ResultSuccess, ""
}

func isXPath(sel string) bool {
	return strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") || strings.HasPrefix(sel, "./")
}

func extractCSS(page string, hints model.ExtractionHints) ([]model.PricingTier, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	names, prices := nameSelector, priceSelector
	if hints.NameSelector != "" {
		names = hints.NameSelector
	}
	if hints.PriceSelector != "" {
		prices = hints.PriceSelector
	}

	var tiers []model.PricingTier
	doc.Find(hints.TierSelector).Each(func(_ int, s *goquery.Selection) {
		name := clean(s.Find(names).First().Text())
		if name == "" {
			return
		}
		priceText := s.Find(prices).First().Text()
		if priceText == "" {
			priceText = s.Text()
		}
		p, ok := parsePrice(priceText)
		if !ok {
			tiers = append(tiers, model.PricingTier{Name: titleCase(name), Confidence: confidenceUnpriced})
			return
		}
		tiers = append(tiers, p.tier(name, confidenceSelector))
	})
	return tiers, nil
}

func extractXPath(page string, hints model.ExtractionHints) ([]model.PricingTier, error) {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	nodes, err := htmlquery.QueryAll(doc, hints.TierSelector)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: bad xpath %q", hints.TierSelector)
	}
	names, prices := ".//h1|.//h2|.//h3|.//h4", ""
	if hints.NameSelector != "" {
		names = hints.NameSelector
	}
	if hints.PriceSelector != "" {
		prices = hints.PriceSelector
	}

	var tiers []model.PricingTier
	for _, n := range nodes {
		name := clean(innerText(n, names))
		if name == "" {
			continue
		}
		priceText := htmlquery.InnerText(n)
		if prices != "" {
			priceText = innerText(n, prices)
		}
		p, ok := parsePrice(priceText)
		if !ok {
			tiers = append(tiers, model.PricingTier{Name: titleCase(name), Confidence: confidenceUnpriced})
			continue
		}
		tiers = append(tiers, p.tier(name, confidenceSelector))
	}
	return tiers, nil
}

func innerText(n *html.Node, expr string) string {
	found, err := htmlquery.Query(n, expr)
	if err != nil || found == nil {
		return ""
	}
	return htmlquery.InnerText(found)
}

// extractHeuristic picks the innermost plan-like elements that carry both a
// name and a price.
func extractHeuristic(page string) ([]model.PricingTier, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}

	type card struct {
		name  string
		price parsedPrice
	}
	read := func(s *goquery.Selection) (card, bool) {
		name := clean(s.Find(nameSelector).First().Text())
		if name == "" {
			return card{}, false
		}
		text := s.Find(priceSelector).First().Text()
		if text == "" {
			text = s.Text()
		}
		p, ok := parsePrice(text)
		return card{name: name, price: p}, ok
	}

	var tiers []model.PricingTier
	doc.Find(candidateSelector).Each(func(_ int, s *goquery.Selection) {
		c, ok := read(s)
		if !ok {
			return
		}
		nested := s.Find(candidateSelector).FilterFunction(func(_ int, inner *goquery.Selection) bool {
			_, ok := read(inner)
			return ok
		})
		if nested.Length() > 0 {
			return
		}
		tiers = append(tiers, c.price.tier(c.name, confidenceHeuristic))
	})
	return tiers, nil
}

type parsedPrice struct {
	value    *float64
	currency string
	model    string
	period   string
}

func (p parsedPrice) tier(name string, confidence float64) model.PricingTier {
	return model.PricingTier{
		Name:          titleCase(name),
		Price:         p.value,
		Currency:      p.currency,
		PriceModel:    p.model,
		BillingPeriod: p.period,
		Confidence:    confidence,
	}
}

// parsePrice reads the first price in text along with its billing model.
func parsePrice(text string) (parsedPrice, bool) {
	lower := strings.ToLower(text)
	if m := priceRe.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			return parsedPrice{}, false
		}
		p := parsedPrice{value: &v, currency: currencies[m[1]], period: billingPeriod(lower)}
		switch {
		case v == 0:
			p.model = model.PriceFree
		case strings.Contains(lower, "user") || strings.Contains(lower, "seat"):
			p.model = model.PricePerSeat
		case strings.Contains(lower, "usage") || strings.Contains(lower, "per request") || strings.Contains(lower, "per 1,000"):
			p.model = model.PriceUsage
		default:
			p.model = model.PriceFlat
		}
		return p, true
	}
	switch {
	case strings.Contains(lower, "free"):
		zero := 0.0
		return parsedPrice{value: &zero, model: model.PriceFree}, true
	case strings.Contains(lower, "contact") || strings.Contains(lower, "custom") ||
		strings.Contains(lower, "talk to sales") || strings.Contains(lower, "quote"):
		return parsedPrice{model: model.PriceCustom}, true
	}
	return parsedPrice{}, false
}

func billingPeriod(lower string) string {
	switch {
	case strings.Contains(lower, "/mo") || strings.Contains(lower, "month"):
		return "monthly"
	case strings.Contains(lower, "/yr") || strings.Contains(lower, "year") || strings.Contains(lower, "annual"):
		return "yearly"
	}
	return ""
}

func clean(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ToLower(s))
}

func dedupe(tiers []model.PricingTier) []model.PricingTier {
	seen := make(map[string]bool, len(tiers))
	out := tiers[:0]
	for _, t := range tiers {
		key := strings.ToLower(t.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
