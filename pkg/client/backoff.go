package client

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultReconnectDelayMin = 1 * time.Second
	defaultReconnectDelayMax = 30 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultJitterFraction    = 0.25
)

// ReconnectPolicy controls automatic reconnection after an unexpected loss.
// A client copies its policy at construction; it never changes afterwards.
type ReconnectPolicy struct {
	Enabled        bool
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	MaxAttempts    int // 0 means unlimited
}

// DefaultReconnectPolicy returns an enabled policy with unlimited attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		InitialDelay:   defaultReconnectDelayMin,
		MaxDelay:       defaultReconnectDelayMax,
		Multiplier:     defaultBackoffMultiplier,
		JitterFraction: defaultJitterFraction,
	}
}

// Validate reports a policy that cannot produce sane delays. Zero fields are
// allowed; they take library defaults.
func (p ReconnectPolicy) Validate() error {
	switch {
	case p.InitialDelay < 0 || p.MaxDelay < 0:
		return errors.New("reconnect delays must be non-negative")
	case p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay:
		return errors.New("reconnect max delay must not be below initial delay")
	case p.Multiplier != 0 && p.Multiplier < 1:
		return errors.New("reconnect multiplier must be at least 1")
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return errors.New("reconnect jitter fraction must be within [0, 1]")
	case p.MaxAttempts < 0:
		return errors.New("reconnect max attempts must be non-negative")
	}
	return nil
}

// withDefaults fills zero fields so a partially specified policy still works.
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultReconnectDelayMin
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultReconnectDelayMax
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultBackoffMultiplier
	}
	return p
}

// BaseDelay is min(initial * multiplier^attempt, max), without jitter.
// It never decreases as attempt grows.
func (p ReconnectPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay applies symmetric jitter to BaseDelay. r is a uniform sample from
// [0, 1); the result lies within base ± JitterFraction*base, clamped to
// [0, MaxDelay].
func (p ReconnectPolicy) Delay(attempt int, r float64) time.Duration {
	base := p.BaseDelay(attempt)
	jitter := (2*r - 1) * p.JitterFraction * float64(base)
	d := time.Duration(float64(base) + jitter)
	if d < 0 {
		return 0
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether no further attempt is allowed after attempts.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// defaultJitterSource is safe for concurrent use.
func defaultJitterSource() float64 {
	return rand.Float64()
}
