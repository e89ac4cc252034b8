package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/config"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate    AlertType = "job_failure_rate"
	AlertBudget            AlertType = "budget"
	AlertVendorDeactivated AlertType = "vendor_deactivated"
	AlertDeadLetters       AlertType = "dead_letters"
	AlertManualReview      AlertType = "manual_review"
)

// minFinishedJobs is the sample size below which the failure rate is not
// alerted on.
const minFinishedJobs = 5

// defaultRepeatInterval suppresses an unchanged alert between checks.
const defaultRepeatInterval = 6 * time.Hour

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// key identifies the condition for repeat suppression.
	key string
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. It also files
// manual-review requests for the manual method.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	repeat time.Duration

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
		repeat: defaultRepeatInterval,
		sent:   make(map[string]time.Time),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinishedJobs && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scrape job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
			key:       string(AlertJobFailureRate),
		})
	}

	if sev := budgetSeverity(snap.Budget.Status); sev != "" {
		alerts = append(alerts, Alert{
			Type:     AlertBudget,
			Severity: sev,
			Message:  "Scrape budget " + string(snap.Budget.Status) + ": " + snap.Budget.Message,
			Details: map[string]any{
				"status":      snap.Budget.Status,
				"utilization": snap.Budget.Utilization,
				"period":      snap.Budget.Tightest,
				"remaining":   snap.Budget.Remaining,
			},
			Timestamp: now,
			key:       string(AlertBudget) + ":" + string(snap.Budget.Status),
		})
	}

	for _, id := range snap.DeactivatedVendors {
		alerts = append(alerts, Alert{
			Type:      AlertVendorDeactivated,
			Severity:  "medium",
			Message:   fmt.Sprintf("Vendor %s deactivated by circuit breaker; reactivate manually once fixed", id),
			Details:   map[string]any{"vendor_id": id},
			Timestamp: now,
			key:       string(AlertVendorDeactivated) + ":" + id,
		})
	}

	if snap.DeadLetters > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertDeadLetters,
			Severity:  "high",
			Message:   fmt.Sprintf("%d job outcome(s) could not be persisted and await retry", snap.DeadLetters),
			Details:   map[string]any{"dead_letters": snap.DeadLetters},
			Timestamp: now,
			key:       string(AlertDeadLetters),
		})
	}

	return alerts
}

func budgetSeverity(s budget.Status) string {
	switch s {
	case budget.StatusWarning:
		return "low"
	case budget.StatusCritical:
		return "high"
	case budget.StatusExhausted:
		return "critical"
	}
	return ""
}

// Fresh drops alerts already sent within the repeat interval.
func (a *Alerter) Fresh(alerts []Alert, now time.Time) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Alert
	for _, al := range alerts {
		if al.key != "" {
			if last, ok := a.sent[al.key]; ok && now.Sub(last) < a.repeat {
				continue
			}
		}
		out = append(out, al)
	}
	return out
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		if alert.key != "" {
			a.mu.Lock()
			a.sent[alert.key] = time.Now()
			a.mu.Unlock()
		}
		sent++
	}
	return sent
}

// RequestManualReview files a manual-review request for v. Without a
// webhook the request is only logged.
func (a *Alerter) RequestManualReview(ctx context.Context, v model.Vendor, reason string) error {
	alert := Alert{
		Type:     AlertManualReview,
		Severity: "medium",
		Message:  fmt.Sprintf("Manual pricing review needed for %s (%s): %s", v.Name, v.PricingURL, reason),
		Details: map[string]any{
			"vendor_id":   v.ID,
			"pricing_url": v.PricingURL,
			"reason":      reason,
		},
		Timestamp: time.Now().UTC(),
	}
	if a.cfg.WebhookURL == "" {
		zap.L().Warn("monitoring: manual review requested, no webhook configured",
			zap.String("vendor_id", v.ID),
			zap.String("reason", reason),
		)
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// sendWebhook posts a single alert to the webhook URL, retrying transient
// failures.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	cfg := a.retry
	cfg.OnRetry = resilience.RetryLogger("webhook", string(alert.Type))
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
}
