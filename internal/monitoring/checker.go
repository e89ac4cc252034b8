package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookbackHours = 24
)

// Checker periodically turns a metrics snapshot into webhook alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	now       func() time.Time
	log       *zap.Logger
}

// NewChecker creates a checker from the monitoring config, applying the
// default interval and lookback window where they are unset.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		lookback:  cfg.LookbackWindowHours,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.lookback <= 0 {
		c.lookback = defaultLookbackHours
	}
	return c
}

// Run checks once immediately and then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one collect, evaluate and send cycle. Alerts already sent
// within the repeat interval are suppressed. It returns the number sent.
func (c *Checker) Check(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Fresh(c.alerter.Evaluate(snap), c.now())
	if len(alerts) == 0 {
		c.log.Debug("no alerts",
			zap.Int("jobs", snap.JobsTotal),
			zap.String("budget", string(snap.Budget.Status)),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alerts dispatched", zap.Int("raised", len(alerts)), zap.Int("sent", sent))
	return sent
}
