package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/lock")

// Locker is implemented by Mutex and by both handles of an RWMutex.
type Locker interface {
	// Lock blocks until the lock is acquired or ctx ends.
	Lock(ctx context.Context) error
	// TryLock makes a single attempt.
	TryLock(ctx context.Context) (bool, error)
	// TryLockTimeout retries until the lock is acquired or timeout elapses
	// on the local clock. Running out of time is not an error.
	TryLockTimeout(ctx context.Context, timeout time.Duration) (bool, error)
	// Unlock releases one hold.
	Unlock(ctx context.Context) error
}

// Releasable owns connections that must be closed once.
type Releasable interface {
	Release() error
}

type outcome int

const (
	// outcomeAcquired: the caller now holds the lease.
	outcomeAcquired outcome = iota
	// outcomeHeld: a live lease of someone else blocks the caller.
	outcomeHeld
	// outcomeRaced: the record changed under the caller; retry at once.
	outcomeRaced
)

type attemptFunc func(ctx context.Context) (outcome, error)

// tryOnce runs a single attempt. A race observed mid-attempt gets one
// immediate second chance, as the key may simply have been deleted between
// two steps.
func tryOnce(ctx context.Context, attempt attemptFunc) (bool, error) {
	for i := 0; i < 2; i++ {
		res, err := attempt(ctx)
		if err != nil {
			return false, cancelled(err)
		}
		switch res {
		case outcomeAcquired:
			return true, nil
		case outcomeHeld:
			metrics.ContendedCounter.Inc()
			return false, nil
		}
	}
	return false, nil
}

// acquireLoop retries attempt until it succeeds, ctx ends or the local
// deadline passes. A zero deadline waits forever. Cancellation is checked
// once per iteration.
func (o *options) acquireLoop(ctx context.Context, key string, deadline time.Time, attempt attemptFunc) (bool, error) {
	var wake chan struct{}
	if o.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := o.bus.Subscribe(subCtx, syncbus.UnlockTopic(key))
		if err != nil {
			o.logger.Warn("lock: release notifications unavailable", "key", key, "error", err)
		} else {
			wake = ch
		}
	}

	backoff := o.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return false, cancelled(err)
		}
		res, err := attempt(ctx)
		if err != nil {
			return false, cancelled(err)
		}
		switch res {
		case outcomeAcquired:
			return true, nil
		case outcomeRaced:
			if !deadline.IsZero() && time.Until(deadline) <= 0 {
				return false, nil
			}
			continue
		}

		metrics.ContendedCounter.Inc()
		wait := backoff
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			if left < wait {
				wait = left
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, cancelled(ctx.Err())
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
			backoff = o.minBackoff
			continue
		case <-timer.C:
		}
		backoff *= 2
		if backoff > o.maxBackoff {
			backoff = o.maxBackoff
		}
	}
}

// cancelled marks context cancellation as ErrCancelled, keeping deadlines
// and every other error as they are.
func cancelled(err error) error {
	if stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, dlockerrors.ErrCancelled) {
		return fmt.Errorf("%w: %w", dlockerrors.ErrCancelled, err)
	}
	return err
}

// notifyReleased wakes waiters on other nodes.
func (o *options) notifyReleased(ctx context.Context, key string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
		o.logger.Warn("lock: release notification failed", "key", key, "error", err)
	}
}
