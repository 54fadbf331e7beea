package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a Breaker rejects calls.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker stops calling a failing bus for a cooldown period. Locks only use
// the bus to shorten waits, so skipping it while the broker is down costs
// latency, never correctness.
type Breaker struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
}

var _ Bus = (*Breaker)(nil)

// NewBreaker opens after threshold consecutive failures and lets a single
// trial call through once cooldown has elapsed.
func NewBreaker(bus Bus, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether calls currently reach the wrapped bus.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateClosed || (b.state == stateOpen && b.now().Sub(b.openedAt) >= b.cooldown)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return true
		}
	}
	// half open: the trial call is in flight
	return false
}

func (b *Breaker) done(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.state = stateClosed
		b.failures = 0
	case errors.Is(err, context.Canceled):
		// the caller gave up; says nothing about the bus
		if b.state == stateHalfOpen {
			b.state = stateOpen
		}
	default:
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			b.state = stateOpen
			b.openedAt = b.now()
		}
	}
	return err
}

// Publish implements Bus.Publish.
func (b *Breaker) Publish(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	return b.done(b.bus.Publish(ctx, key))
}

// Subscribe implements Bus.Subscribe.
func (b *Breaker) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := b.bus.Subscribe(ctx, key)
	return ch, b.done(err)
}

// Unsubscribe implements Bus.Unsubscribe. It always reaches the wrapped bus
// so that subscriptions are never leaked.
func (b *Breaker) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return b.bus.Unsubscribe(ctx, key, ch)
}
