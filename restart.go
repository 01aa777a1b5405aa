package dispatch

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ModeProduction is the deployment mode in which crashed children are replaced
const ModeProduction = "production"

// ExitStatus describes how a library child process ended
type ExitStatus struct {
	PID    int
	Code   int
	Signal string
	// Ready is true if the child signalled readiness before exiting
	Ready bool
}

func (s ExitStatus) String() string {
	return fmt.Sprintf("pid=%d code=%d signal=%s ready=%t", s.PID, s.Code, s.Signal, s.Ready)
}

// RestartPolicy decides whether an exited child is replaced. restarts is the
// number of replacements already made by the supervisor.
type RestartPolicy interface {
	Next(restarts int, exit ExitStatus) (delay time.Duration, restart bool)
}

// RestartPolicyFunc adapts a function to RestartPolicy
type RestartPolicyFunc func(restarts int, exit ExitStatus) (time.Duration, bool)

// Next calls f
func (f RestartPolicyFunc) Next(restarts int, exit ExitStatus) (time.Duration, bool) {
	return f(restarts, exit)
}

type alwaysPolicy struct{}

func (alwaysPolicy) Next(int, ExitStatus) (time.Duration, bool) { return 0, true }

type neverPolicy struct{}

func (neverPolicy) Next(int, ExitStatus) (time.Duration, bool) { return 0, false }

// Always replaces every exited child immediately
func Always() RestartPolicy { return alwaysPolicy{} }

// Never leaves exited children down
func Never() RestartPolicy { return neverPolicy{} }

// PolicyForMode returns Always in production mode and Never otherwise
func PolicyForMode(mode string) RestartPolicy {
	if mode == ModeProduction {
		return Always()
	}
	return Never()
}

// BackoffConfig shapes the delay between restarts
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Bounded restarts at most MaxRestarts times, waiting per Backoff between attempts
type Bounded struct {
	MaxRestarts int
	Backoff     BackoffConfig

	rng *rand.Rand
}

// NewBounded creates a bounded policy
func NewBounded(maxRestarts int, backoff BackoffConfig) *Bounded {
	return &Bounded{
		MaxRestarts: maxRestarts,
		Backoff:     backoff,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next implements RestartPolicy
func (b *Bounded) Next(restarts int, _ ExitStatus) (time.Duration, bool) {
	if restarts >= b.MaxRestarts {
		return 0, false
	}
	return NextBackoffDelay(b.Backoff, restarts+1, b.rng), true
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// ParseRestartPolicy builds a policy from its config name
func ParseRestartPolicy(name string, maxRestarts int, backoff BackoffConfig, mode string) (RestartPolicy, error) {
	switch name {
	case "", "mode":
		return PolicyForMode(mode), nil
	case "always":
		return Always(), nil
	case "never":
		return Never(), nil
	case "bounded":
		if maxRestarts <= 0 {
			return nil, fmt.Errorf("bounded restart policy needs max_restarts > 0")
		}
		return NewBounded(maxRestarts, backoff), nil
	default:
		return nil, fmt.Errorf("unknown restart policy %q", name)
	}
}
