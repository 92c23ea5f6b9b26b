// Package resilience implements the Connector Resilience Wrapper (spec
// §4.6): tiered retry, a three-state circuit breaker, and token-bucket
// rate limiting applied uniformly to every external call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/giaosudau/sqlflow"
)

// RecoveryHook repairs the condition behind a specific failure signature
// (spec §4.6 "connection reconnect, credential refresh (OAuth token
// rotation), schema adaptation signal"). Returning a non-nil error means
// recovery itself failed and the original failure should surface as-is.
type RecoveryHook func(ctx context.Context) error

// Tier configures the retry/breaker/rate-limit behavior for one
// connector or resilience-tier name (spec §4.6).
type Tier struct {
	InitialDelay    time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	MaxAttempts     int
	JitterFraction  float64 // e.g. 0.25 for ±25%
	RateLimitPerMin int     // 0 disables rate limiting
	BreakerTrip     int     // consecutive failures before the breaker opens
	BreakerCooldown time.Duration
}

// DefaultTier is a conservative default used when a connector has no
// explicit override (spec Config.Resilience map may be sparse).
var DefaultTier = Tier{
	InitialDelay:    200 * time.Millisecond,
	Multiplier:      2.0,
	MaxDelay:        30 * time.Second,
	MaxAttempts:     5,
	JitterFraction:  0.25,
	RateLimitPerMin: 0,
	BreakerTrip:     5,
	BreakerCooldown: 30 * time.Second,
}

// TierFromOverride applies a profile's "simple override" (spec §4.6:
// retry_attempts/timeout_seconds/rate_limit_per_minute) onto base,
// leaving every other knob (backoff curve, breaker trip/cooldown) at
// base's smart default. A zero field in the override means "inherit".
func TierFromOverride(base Tier, o sqlflow.ResilienceOverride) Tier {
	out := base

	if o.RetryAttempts > 0 {
		out.MaxAttempts = o.RetryAttempts
	}

	if o.TimeoutSeconds > 0 {
		out.MaxDelay = time.Duration(o.TimeoutSeconds) * time.Second
	}

	if o.RateLimitPerMinute > 0 {
		out.RateLimitPerMin = o.RateLimitPerMinute
	}

	return out
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a three-state circuit breaker (closed/open/half-open).
type Breaker struct {
	mu            sync.Mutex
	state         breakerState
	consecutive   int
	trip          int
	cooldown      time.Duration
	openedAt      time.Time
	halfOpenInUse bool
}

// NewBreaker constructs a Breaker from a Tier's trip/cooldown settings.
func NewBreaker(tier Tier) *Breaker {
	return &Breaker{trip: tier.BreakerTrip, cooldown: tier.BreakerCooldown}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// after cooldown elapses. Only one half-open probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}

		if b.halfOpenInUse {
			return false
		}

		b.state = stateHalfOpen
		b.halfOpenInUse = true

		return true
	case stateHalfOpen:
		return false // a probe is already in flight
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.state = stateClosed
	b.halfOpenInUse = false
}

// RecordFailure increments the consecutive-failure count, tripping the
// breaker open once it reaches the configured threshold. A failed
// half-open probe re-opens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.halfOpenInUse = false

		return
	}

	b.consecutive++
	if b.consecutive >= b.trip {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// Registry is the process-global, keyed resilience state store (spec
// §5 "Connector resilience state ... is process-global, keyed; access
// is via a reader/writer-safe in-memory map with per-key synchronization").
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	limiters map[string]*rate.Limiter
	tiers    map[string]Tier
	hooks    map[string]RecoveryHook

	// sf dedupes concurrent credential refreshes for the same key: two
	// operations failing auth on the same connector at once trigger one
	// refresh, not two racing token rotations.
	sf singleflight.Group
}

// NewRegistry creates an empty keyed resilience registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: map[string]*Breaker{},
		limiters: map[string]*rate.Limiter{},
		tiers:    map[string]Tier{},
		hooks:    map[string]RecoveryHook{},
	}
}

// RegisterRecoveryHook installs the auth-recovery hook for key (spec
// §4.6 "auth ... triggers credential refresh once, then surface"). A key
// with no registered hook surfaces an auth failure immediately, same as
// before this existed.
func (r *Registry) RegisterRecoveryHook(key string, hook RecoveryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks[key] = hook
}

func (r *Registry) recoveryHook(key string) (RecoveryHook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hooks[key]

	return h, ok
}

// Configure installs tier as the resilience configuration for key
// (typically a connector name), creating its breaker/limiter state.
func (r *Registry) Configure(key string, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tiers[key] = tier
	r.breakers[key] = NewBreaker(tier)

	if tier.RateLimitPerMin > 0 {
		perSec := float64(tier.RateLimitPerMin) / 60.0
		r.limiters[key] = rate.NewLimiter(rate.Limit(perSec), tier.RateLimitPerMin)
	} else {
		delete(r.limiters, key)
	}
}

func (r *Registry) stateFor(key string) (*Breaker, *rate.Limiter, Tier) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	tier := r.tierOrDefault(key)
	limiter := r.limiters[key]
	r.mu.RUnlock()

	if ok {
		return b, limiter, tier
	}

	// First call for a key nobody Configure()d: install DefaultTier's
	// breaker so its state accumulates process-wide from here on,
	// instead of handing back a throwaway Breaker every call that never
	// remembers a prior failure.
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b, r.limiters[key], r.tierOrDefault(key)
	}

	b = NewBreaker(DefaultTier)
	r.breakers[key] = b
	r.tiers[key] = DefaultTier

	return b, nil, DefaultTier
}

func (r *Registry) tierOrDefault(key string) Tier {
	if t, ok := r.tiers[key]; ok {
		return t
	}

	return DefaultTier
}

// Do executes fn under key's retry/breaker/rate-limit policy. Errors
// wrapping sqlflow.ErrConnectorTransient or sqlflow.ErrConnectorRateLimited
// are retried; sqlflow.ErrConnectorPermanent surfaces immediately;
// sqlflow.ErrConnectorAuth runs key's registered RecoveryHook once and
// retries a single additional time on success, else surfaces (spec
// §4.6: "401 -> refresh credential, then one more retry").
func (r *Registry) Do(ctx context.Context, key string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	br, limiter, tier := r.stateFor(key)

	if !br.Allow() {
		logger.Warn("resilience: circuit open, rejecting call", "key", key)
		return fmt.Errorf("%w: %s", sqlflow.ErrCircuitOpen, key)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = tier.InitialDelay
	bo.Multiplier = tier.Multiplier
	bo.MaxInterval = tier.MaxDelay
	bo.RandomizationFactor = tier.JitterFraction
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts instead

	withCtx := backoff.WithContext(bo, ctx)

	attempt := 0
	refreshed := false

	operation := func() error {
		attempt++

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, sqlflow.ErrConnectorPermanent) {
			return backoff.Permanent(err)
		}

		if errors.Is(err, sqlflow.ErrConnectorAuth) {
			// §4.6 ordering: "401 -> refresh credential, then one more
			// retry." Only one refresh per Do call; a second auth
			// failure after a refresh surfaces immediately.
			if refreshed {
				return backoff.Permanent(err)
			}

			hook, ok := r.recoveryHook(key)
			if !ok {
				return backoff.Permanent(err)
			}

			refreshed = true

			_, refreshErr, _ := r.sf.Do(key, func() (any, error) {
				return nil, hook(ctx)
			})
			if refreshErr != nil {
				logger.Warn("resilience: credential refresh failed", "key", key, "error", refreshErr)
				return backoff.Permanent(err)
			}

			logger.Warn("resilience: credential refreshed, retrying once", "key", key)

			return err
		}

		if attempt >= tier.MaxAttempts {
			return backoff.Permanent(err)
		}

		logger.Warn("resilience: retryable failure", "key", key, "attempt", attempt, "error", err)

		return err
	}

	err := backoff.Retry(operation, withCtx)
	if err != nil {
		br.RecordFailure()
		return err
	}

	br.RecordSuccess()

	return nil
}
