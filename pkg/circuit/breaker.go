// Package circuit implements a circuit breaker for calls to external collaborators.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/tunapool/pkg/errors"
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has passed since the last failure
	StateOpen
	// StateHalfOpen lets calls through to probe recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // open duration before probing
	ResetTimeout    time.Duration // failure count decay while closed
}

// DefaultConfig returns thresholds suited to HTTP collaborators.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker guards one collaborator. It is safe for concurrent use.
type Breaker struct {
	name   string
	config *Config
	mu     sync.Mutex
	now    func() time.Time

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a closed breaker. name shows up in rejection errors.
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	b := &Breaker{name: name, config: config, now: time.Now}
	b.lastResetTime = b.now()
	return b
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteWithResult(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithResult is Execute for calls that produce a value.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker", "circuit breaker is open").
			WithContext("breaker", b.name).
			WithContext("state", b.State().String())
	}

	res, err := fn(ctx)
	// A cancelled caller says nothing about the collaborator's health.
	if err != nil && ctx.Err() != nil {
		return res, err
	}
	b.record(err)
	return res, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) > b.config.ResetTimeout {
			b.failures = 0
			b.lastResetTime = now
		}
		return true
	case StateOpen:
		if now.Sub(b.lastFailTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailTime = b.now()
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.MaxFailures) {
			b.state = StateOpen
			b.successes = 0
		}
		return
	}

	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.config.SuccessRequired {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		b.lastResetTime = b.now()
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Stats returns counters for health reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.name,
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastResetTime = b.now()
}
