package checkout

import (
	"context"
	"fmt"
	"time"
)

// DependencyConfig holds the reliability knobs for one downstream
// dependency. Zero values fall back to the documented defaults.
type DependencyConfig struct {
	Timeout             time.Duration
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Test seams and metric hooks.
	Now    func() time.Time
	Sleep  func(context.Context, time.Duration) error
	Jitter func(time.Duration) time.Duration
	OnOpen func(dependency string)
}

// DefaultDependencyConfig returns the documented default reliability
// settings applied when configuration leaves a knob unset.
func DefaultDependencyConfig() DependencyConfig {
	return DependencyConfig{
		Timeout:             2 * time.Second,
		RetryMaxAttempts:    3,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
	}
}

func (c DependencyConfig) withDefaults() DependencyConfig {
	def := DefaultDependencyConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = def.BreakerResetTimeout
	}
	return c
}

// Dependency applies a uniform reliability envelope to one downstream
// collaborator: per-call timeout, breaker, then bounded retries for
// transient failures. Permanent failures propagate on the first attempt.
type Dependency struct {
	name    string
	timeout time.Duration
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewDependency constructs a named reliability envelope.
func NewDependency(name string, cfg DependencyConfig) *Dependency {
	cfg = cfg.withDefaults()
	onOpen := func() {}
	if cfg.OnOpen != nil {
		onOpen = func() { cfg.OnOpen(name) }
	}
	return &Dependency{
		name:    name,
		timeout: cfg.Timeout,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			Now:          cfg.Now,
			OnOpen:       onOpen,
		}),
		retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Sleep:       cfg.Sleep,
			Jitter:      cfg.Jitter,
		},
	}
}

// Name returns the dependency name used in logs and errors.
func (d *Dependency) Name() string { return d.name }

// Invoke runs fn under the dependency's timeout, breaker and retry policy.
func (d *Dependency) Invoke(ctx context.Context, fn func(context.Context) error) error {
	if d == nil {
		return fn(ctx)
	}
	err := d.retry.Do(ctx, func() error {
		return d.breaker.Execute(func() error {
			callCtx := ctx
			if d.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, d.timeout)
				defer cancel()
			}
			return fn(callCtx)
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return nil
}
