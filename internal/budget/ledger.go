package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/model"
)

var (
	// ErrBudgetRejected means an allocation would exceed a period limit.
	// It is a routing signal, not a fault: callers fall back to a cheaper
	// method.
	ErrBudgetRejected = eris.New("budget: allocation rejected")
	// ErrBudgetWrite means the allocation could not be persisted. The
	// in-memory increment has been rolled back.
	ErrBudgetWrite = eris.New("budget: write failed")
)

// Repository persists ledger state.
type Repository interface {
	// LoadBudget returns the stored state, or nil if none exists yet.
	LoadBudget(ctx context.Context) (*model.BudgetState, error)
	// SaveBudget stores state unless a newer version is already stored.
	SaveBudget(ctx context.Context, state model.BudgetState) error
	RecordAllocation(ctx context.Context, a model.Allocation) error
}

// Limits are spend caps in USD.
type Limits struct {
	Daily   float64
	Weekly  float64
	Monthly float64
}

func (l Limits) micros() map[Period]Micros {
	return map[Period]Micros{
		Daily:   ToMicros(l.Daily),
		Weekly:  ToMicros(l.Weekly),
		Monthly: ToMicros(l.Monthly),
	}
}

// Ledger tracks spend against daily, weekly and monthly limits. All reads
// and writes of usage go through a single mutex; persistence happens after
// the lock is released.
type Ledger struct {
	mu         sync.Mutex
	limits     map[Period]Micros
	usage      map[Period]Micros
	lastReset  map[Period]time.Time
	// epoch counts resets per period so a rollback never touches usage
	// from a later window.
	epoch      map[Period]uint64
	version    int64
	lastStatus Status

	costs      *cost.Calculator
	thresholds Thresholds
	loc        *time.Location
	repo       Repository
	nowFunc    func() time.Time
	log        *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRepository persists ledger state through r.
func WithRepository(r Repository) Option {
	return func(l *Ledger) { l.repo = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// WithLocation sets the location used for period boundaries.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithThresholds sets the health thresholds.
func WithThresholds(t Thresholds) Option {
	return func(l *Ledger) { l.thresholds = t }
}

// New creates a ledger with zero usage. Call Load to hydrate from the
// repository.
func New(limits Limits, costs *cost.Calculator, opts ...Option) *Ledger {
	l := &Ledger{
		limits:     limits.micros(),
		usage:      make(map[Period]Micros, len(Periods)),
		lastReset:  make(map[Period]time.Time, len(Periods)),
		epoch:      make(map[Period]uint64, len(Periods)),
		lastStatus: StatusHealthy,
		costs:      costs,
		thresholds: DefaultThresholds(),
		loc:        time.UTC,
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "budget")),
	}
	for _, o := range opts {
		o(l)
	}
	now := l.nowFunc()
	for _, p := range Periods {
		l.lastReset[p] = now
	}
	return l
}

// Load hydrates usage and reset stamps from the repository, creating the
// stored row on first run. Configured limits win over stored ones.
func (l *Ledger) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}
	st, err := l.repo.LoadBudget(ctx)
	if err != nil {
		return eris.Wrap(err, "budget: load")
	}

	l.mu.Lock()
	if st != nil {
		for _, p := range Periods {
			l.usage[p] = ToMicros(st.Usage[string(p)])
			if ts, ok := st.LastReset[string(p)]; ok && !ts.IsZero() {
				l.lastReset[p] = ts
			}
			if stored := ToMicros(st.Limits[string(p)]); stored != l.limits[p] {
				l.log.Info("budget limit changed by configuration",
					zap.String("period", string(p)),
					zap.Float64("stored", stored.USD()),
					zap.Float64("configured", l.limits[p].USD()),
				)
			}
		}
		l.version = st.Version
	}
	l.applyResetsLocked(l.nowFunc())
	l.version++
	state := l.stateLocked()
	l.lastStatus = l.healthLocked().Status
	l.mu.Unlock()

	if err := l.repo.SaveBudget(ctx, state); err != nil {
		return eris.Wrap(err, "budget: save initial state")
	}
	return nil
}

// CanAfford reports whether one attempt with m fits in every period.
func (l *Ledger) CanAfford(m model.Method) bool {
	return l.CanAffordAmount(l.costs.Method(m))
}

// CanAffordAmount reports whether usd fits in every period.
func (l *Ledger) CanAffordAmount(usd float64) bool {
	amt := ToMicros(usd)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyResetsLocked(l.nowFunc())
	return l.fitsLocked(amt)
}

// MethodCost returns the table cost of m.
func (l *Ledger) MethodCost(m model.Method) float64 {
	return l.costs.Method(m)
}

// RemainingBudget returns max(0, limit-usage) for p in USD.
func (l *Ledger) RemainingBudget(p Period) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyResetsLocked(l.nowFunc())
	return l.remainingLocked(p).USD()
}

// Remaining returns the remaining budget for every period in USD.
func (l *Ledger) Remaining() map[Period]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyResetsLocked(l.nowFunc())
	return l.remainingMapLocked()
}

// Allocate commits cost against every period if it still fits. The check
// and increment are atomic with respect to other Allocate calls, so
// concurrent callers can never jointly exceed a limit.
func (l *Ledger) Allocate(ctx context.Context, m model.Method, vendorID, jobID string, usd float64) (model.Allocation, error) {
	amt := ToMicros(usd)
	if amt < 0 {
		return model.Allocation{}, eris.Errorf("budget: negative allocation %.6f", usd)
	}

	l.mu.Lock()
	now := l.nowFunc()
	l.applyResetsLocked(now)
	if !l.fitsLocked(amt) {
		remaining := l.remainingMapLocked()
		l.mu.Unlock()
		l.log.Info("allocation rejected",
			zap.String("method", string(m)),
			zap.String("vendor_id", vendorID),
			zap.Float64("cost", usd),
			zap.Float64("daily_remaining", remaining[Daily]),
			zap.Float64("weekly_remaining", remaining[Weekly]),
			zap.Float64("monthly_remaining", remaining[Monthly]),
		)
		return model.Allocation{}, eris.Wrapf(ErrBudgetRejected, "%s for %s: $%.4f does not fit", m, vendorID, usd)
	}
	epochs := make(map[Period]uint64, len(Periods))
	for _, p := range Periods {
		l.usage[p] += amt
		epochs[p] = l.epoch[p]
	}
	l.version++
	state := l.stateLocked()
	l.noteHealthLocked()
	l.mu.Unlock()

	alloc := model.Allocation{
		ID:          uuid.NewString(),
		Method:      m,
		VendorID:    vendorID,
		JobID:       jobID,
		Cost:        amt.USD(),
		AllocatedAt: now,
	}
	if l.repo == nil || amt == 0 {
		return alloc, nil
	}

	if err := l.repo.SaveBudget(ctx, state); err != nil {
		l.rollback(amt, epochs)
		l.log.Error("budget write failed, allocation rolled back",
			zap.String("method", string(m)),
			zap.String("vendor_id", vendorID),
			zap.Float64("cost", usd),
			zap.Error(err),
		)
		return model.Allocation{}, eris.Wrapf(ErrBudgetWrite, "%v", err)
	}
	if err := l.repo.RecordAllocation(ctx, alloc); err != nil {
		// Usage is already durable; only the audit row is missing.
		l.log.Warn("allocation audit write failed", zap.String("allocation_id", alloc.ID), zap.Error(err))
	}
	return alloc, nil
}

// ShouldReset reports whether p's window has rolled over since its last
// reset.
func (l *Ledger) ShouldReset(p Period) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !SameWindow(p, l.lastReset[p], l.nowFunc(), l.loc)
}

// ResetPeriod zeroes p's usage if its window has rolled over. A second call
// in the same window is a no-op. It reports whether a reset happened.
func (l *Ledger) ResetPeriod(ctx context.Context, p Period) (bool, error) {
	l.mu.Lock()
	now := l.nowFunc()
	if SameWindow(p, l.lastReset[p], now, l.loc) {
		l.mu.Unlock()
		return false, nil
	}
	l.resetLocked(p, now)
	l.version++
	state := l.stateLocked()
	l.noteHealthLocked()
	l.mu.Unlock()

	return true, l.persist(ctx, state)
}

// ForceReset zeroes p's usage regardless of window. Used by operators.
func (l *Ledger) ForceReset(ctx context.Context, p Period) error {
	l.mu.Lock()
	l.resetLocked(p, l.nowFunc())
	l.version++
	state := l.stateLocked()
	l.noteHealthLocked()
	l.mu.Unlock()

	return l.persist(ctx, state)
}

// Health returns the budget health of the most utilized period.
func (l *Ledger) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyResetsLocked(l.nowFunc())
	return l.healthLocked()
}

// Snapshot is the budget status view.
type Snapshot struct {
	Limits      map[Period]float64       `json:"limits"`
	Usage       map[Period]float64       `json:"usage"`
	LastReset   map[Period]time.Time     `json:"last_reset"`
	MethodCosts map[model.Method]float64 `json:"method_costs"`
	Health      Health                   `json:"health"`
	CanScrape   bool                     `json:"canScrape"`
}

// Snapshot returns a consistent copy of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyResetsLocked(l.nowFunc())

	s := Snapshot{
		Limits:      make(map[Period]float64, len(Periods)),
		Usage:       make(map[Period]float64, len(Periods)),
		LastReset:   make(map[Period]time.Time, len(Periods)),
		MethodCosts: l.costs.Table(),
		Health:      l.healthLocked(),
	}
	for _, p := range Periods {
		s.Limits[p] = l.limits[p].USD()
		s.Usage[p] = l.usage[p].USD()
		s.LastReset[p] = l.lastReset[p]
	}
	s.CanScrape = s.Health.PaidAllowed()
	return s
}

func (l *Ledger) persist(ctx context.Context, state model.BudgetState) error {
	if l.repo == nil {
		return nil
	}
	if err := l.repo.SaveBudget(ctx, state); err != nil {
		return eris.Wrap(err, "budget: persist")
	}
	return nil
}

// rollback undoes an increment made in the given epochs. Periods reset
// since then already dropped it.
func (l *Ledger) rollback(amt Micros, epochs map[Period]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range Periods {
		if l.epoch[p] != epochs[p] {
			continue
		}
		l.usage[p] -= amt
	}
	l.version++
	l.noteHealthLocked()
}

func (l *Ledger) applyResetsLocked(now time.Time) {
	for _, p := range Periods {
		if !SameWindow(p, l.lastReset[p], now, l.loc) {
			l.resetLocked(p, now)
		}
	}
}

func (l *Ledger) resetLocked(p Period, now time.Time) {
	if l.usage[p] > 0 {
		l.log.Info("budget period reset",
			zap.String("period", string(p)),
			zap.Float64("usage", l.usage[p].USD()),
		)
	}
	l.usage[p] = 0
	l.lastReset[p] = now
	l.epoch[p]++
}

func (l *Ledger) fitsLocked(amt Micros) bool {
	for _, p := range Periods {
		if amt > l.remainingLocked(p) {
			return false
		}
	}
	return true
}

func (l *Ledger) remainingLocked(p Period) Micros {
	r := l.limits[p] - l.usage[p]
	if r < 0 {
		return 0
	}
	return r
}

func (l *Ledger) remainingMapLocked() map[Period]float64 {
	out := make(map[Period]float64, len(Periods))
	for _, p := range Periods {
		out[p] = l.remainingLocked(p).USD()
	}
	return out
}

func (l *Ledger) healthLocked() Health {
	var (
		worst    float64
		tightest = Daily
	)
	for _, p := range Periods {
		var u float64
		if l.limits[p] <= 0 {
			u = 1
		} else {
			u = float64(l.usage[p]) / float64(l.limits[p])
		}
		if u > worst {
			worst, tightest = u, p
		}
	}
	status := l.thresholds.Classify(worst)
	return Health{
		Status:      status,
		Message:     healthMessage(status, tightest, worst),
		Utilization: worst,
		Tightest:    tightest,
		Remaining:   l.remainingMapLocked(),
	}
}

// noteHealthLocked logs status transitions.
func (l *Ledger) noteHealthLocked() {
	h := l.healthLocked()
	if h.Status == l.lastStatus {
		return
	}
	prev := l.lastStatus
	l.lastStatus = h.Status
	fields := []zap.Field{
		zap.String("from", string(prev)),
		zap.String("to", string(h.Status)),
		zap.String("message", h.Message),
	}
	if h.Status == StatusHealthy {
		l.log.Info("budget health changed", fields...)
		return
	}
	l.log.Warn("budget health changed", fields...)
}

func (l *Ledger) stateLocked() model.BudgetState {
	st := model.BudgetState{
		Limits:    make(map[string]float64, len(Periods)),
		Usage:     make(map[string]float64, len(Periods)),
		LastReset: make(map[string]time.Time, len(Periods)),
		Version:   l.version,
		UpdatedAt: l.nowFunc(),
	}
	for _, p := range Periods {
		st.Limits[string(p)] = l.limits[p].USD()
		st.Usage[string(p)] = l.usage[p].USD()
		st.LastReset[string(p)] = l.lastReset[p]
	}
	return st
}
