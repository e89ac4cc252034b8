package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Method identifies a scraping technique.
type Method string

const (
	MethodPlaywright Method = "playwright" // free headless browser automation
	MethodFirecrawl  Method = "firecrawl"  // paid crawl API, low cost
	MethodVision     Method = "vision"     // paid vision model, higher cost
	MethodManual     Method = "manual"     // human review, free in API spend
)

// MethodOrder is the fixed cost-ascending order used for default selection
// and escalation.
var MethodOrder = []Method{MethodPlaywright, MethodFirecrawl, MethodVision, MethodManual}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m.Rank() >= 0
}

// Automated reports whether the method runs without a human.
func (m Method) Automated() bool {
	return m.Valid() && m != MethodManual
}

// Rank returns the position of m in MethodOrder, or -1 if unknown.
func (m Method) Rank() int {
	for i, o := range MethodOrder {
		if o == m {
			return i
		}
	}
	return -1
}

// ParseMethod parses a method name case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", eris.Errorf("model: unknown method %q", s)
	}
	return m, nil
}

// ParseMethods parses a list of method names, rejecting unknown entries.
func ParseMethods(ss []string) ([]Method, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]Method, 0, len(ss))
	for _, s := range ss {
		m, err := ParseMethod(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ContainsMethod reports whether ms includes m.
func ContainsMethod(ms []Method, m Method) bool {
	for _, x := range ms {
		if x == m {
			return true
		}
	}
	return false
}

// Frequency is how often a vendor's pricing page is refreshed.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Interval returns the minimum spacing between scheduled scrapes. Unknown
// frequencies fall back to weekly.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyBiweekly:
		return 14 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Priority is a job priority weight. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 1000
)

// ParsePriority maps a priority name to its weight.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, eris.Errorf("model: unknown priority %q", s)
}

// String returns the priority name.
func (p Priority) String() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}
