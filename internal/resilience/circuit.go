// Package resilience provides backend circuit breakers, backoff schedules
// and a dead-letter list for scrape jobs.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a backend breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen rejects a call to a backend whose breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls a backend breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive backend failures that open the
	// circuit.
	FailureThreshold int
	// ResetTimeout is the first cool-off before a probe is let through.
	ResetTimeout time.Duration
	// MaxResetTimeout caps the cool-off, which doubles every time a probe
	// fails.
	MaxResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns defaults suited to scrape backends.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     5 * time.Minute,
		MaxResetTimeout:  time.Hour,
	}
}

// CircuitBreaker guards one scrape backend (browser, Firecrawl, vision
// model). It is unrelated to the per-vendor deactivation counter. While
// half-open exactly one probe is in flight; other callers are rejected.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	cooloff  time.Duration
	probing  bool

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named backend.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MaxResetTimeout <= 0 {
		cfg.MaxResetTimeout = def.MaxResetTimeout
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = cfg.ResetTimeout
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		cooloff: cfg.ResetTimeout,
		nowFunc: time.Now,
	}
}

// Allow returns ErrCircuitOpen while the circuit rejects calls. Once the
// cool-off has passed it admits a single probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cooloff {
			return eris.Wrapf(ErrCircuitOpen, "backend %s", cb.name)
		}
		cb.transition(CircuitHalfOpen)
	}
	if cb.probing {
		return eris.Wrapf(ErrCircuitOpen, "backend %s: probe in flight", cb.name)
	}
	cb.probing = true
	return nil
}

// Record feeds one call outcome into the breaker. Every Allow that
// returned nil must be followed by exactly one Record.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		if success {
			cb.failures = 0
			cb.cooloff = cb.cfg.ResetTimeout
			cb.transition(CircuitClosed)
		} else {
			cb.cooloff = min(cb.cooloff*2, cb.cfg.MaxResetTimeout)
			cb.open()
		}
		return
	}

	if success {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold {
		cb.open()
	}
}

// State returns the current state. An open circuit whose cool-off has
// passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cooloff {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	zap.L().Info("backend circuit state changed",
		zap.String("backend", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("cooloff", cb.cooloff),
	)
}

// Breakers is a registry of per-backend circuit breakers.
type Breakers struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty registry whose breakers share cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for the named backend, creating it on first use.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, b.cfg)
		b.breakers[name] = cb
	}
	return cb
}

// States reports every backend's state by name.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]string, len(b.breakers))
	for name, cb := range b.breakers {
		states[name] = cb.State().String()
	}
	return states
}
