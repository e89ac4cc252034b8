package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	t.Parallel()

	m, err := ParseMethod(" Firecrawl ")
	require.NoError(t, err)
	assert.Equal(t, MethodFirecrawl, m)

	_, err = ParseMethod("carrier-pigeon")
	assert.Error(t, err)

	ms, err := ParseMethods([]string{"playwright", "vision"})
	require.NoError(t, err)
	assert.Equal(t, []Method{MethodPlaywright, MethodVision}, ms)

	_, err = ParseMethods([]string{"playwright", "nope"})
	assert.Error(t, err)
}

func TestMethodRankAndAutomated(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, MethodPlaywright.Rank())
	assert.Equal(t, 3, MethodManual.Rank())
	assert.Equal(t, -1, Method("x").Rank())
	assert.True(t, MethodVision.Automated())
	assert.False(t, MethodManual.Automated())
	assert.False(t, Method("x").Automated())
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"HIGH", PriorityHigh},
		{"", PriorityNormal},
		{"low", PriorityLow},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	assert.Equal(t, "high", PriorityHigh.String())
}

func TestFrequencyInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 24*time.Hour, FrequencyDaily.Interval())
	assert.Equal(t, 7*24*time.Hour, FrequencyWeekly.Interval())
	assert.Equal(t, 14*24*time.Hour, FrequencyBiweekly.Interval())
	assert.Equal(t, 30*24*time.Hour, FrequencyMonthly.Interval())
	assert.Equal(t, 7*24*time.Hour, Frequency("").Interval())
}

func TestVendorAllows(t *testing.T) {
	t.Parallel()

	v := Vendor{}
	assert.True(t, v.Allows(MethodVision))
	assert.False(t, v.Allows(Method("bogus")))

	v.AllowedMethods = []Method{MethodPlaywright}
	assert.True(t, v.Allows(MethodPlaywright))
	assert.False(t, v.Allows(MethodFirecrawl))
}

func TestVendorDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := Vendor{Frequency: FrequencyDaily}
	assert.True(t, v.Due(now), "never scraped is due")

	last := now.Add(-23 * time.Hour)
	v.LastScrapedAt = &last
	assert.False(t, v.Due(now))

	last = now.Add(-24 * time.Hour)
	assert.True(t, v.Due(now))
}

func TestVendorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		v       Vendor
		wantErr bool
	}{
		{"ok", Vendor{ID: "acme", PricingURL: "https://acme.io/pricing"}, false},
		{"missing id", Vendor{PricingURL: "https://acme.io/pricing"}, true},
		{"missing url", Vendor{ID: "acme"}, true},
		{"relative url", Vendor{ID: "acme", PricingURL: "/pricing"}, true},
		{"ftp url", Vendor{ID: "acme", PricingURL: "ftp://acme.io/pricing"}, true},
		{"bad preferred", Vendor{ID: "acme", PricingURL: "https://acme.io", PreferredMethods: []Method{"x"}}, true},
		{"bad override", Vendor{ID: "acme", PricingURL: "https://acme.io", OverrideMethod: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.v.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVendor)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVendorStateAndThreshold(t *testing.T) {
	t.Parallel()

	v := Vendor{}
	assert.Equal(t, DefaultFailureThreshold, v.Threshold())
	assert.Zero(t, v.State(MethodPlaywright).ConsecutiveFailures)

	v.SetState(MethodPlaywright, MethodState{ConsecutiveFailures: 2})
	assert.Equal(t, 2, v.State(MethodPlaywright).ConsecutiveFailures)

	v.FailureThreshold = 3
	assert.Equal(t, 3, v.Threshold())
}

func TestScrapeResultRetryable(t *testing.T) {
	t.Parallel()

	r := Failed("acme", MethodPlaywright, time.Now(), "timeout", true)
	assert.True(t, r.Retryable())
	assert.Equal(t, "timeout", r.ErrorMessage())

	r.Error.Terminal = true
	assert.False(t, r.Retryable())

	ok := ScrapeResult{Status: ResultSuccess}
	assert.False(t, ok.Retryable())
	assert.Empty(t, ok.ErrorMessage())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled, JobSkipped} {
		assert.True(t, s.Terminal(), s)
	}
}
