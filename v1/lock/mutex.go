package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/identity"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
	"github.com/mirkobrombin/go-dlock/v1/record"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

// Mutex is an exclusive, reentrant lease lock stored under one key.
type Mutex struct {
	res   *resources
	key   string
	lease time.Duration
	opts  *options

	locked atomic.Bool
}

var (
	_ Locker     = (*Mutex)(nil)
	_ Releasable = (*Mutex)(nil)
)

// NewMutex returns a lock on key whose leases last for lease. Expiry is
// computed from clk, never from the local clock. The Mutex owns st and clk
// and closes them on Release unless WithSharedResources is given.
func NewMutex(st store.Store, clk clock.Source, key string, lease time.Duration, opts ...Option) *Mutex {
	o := newOptions(opts)
	return &Mutex{
		res:   &resources{store: st, clock: clk, shared: o.shared},
		key:   key,
		lease: lease,
		opts:  o,
	}
}

// Key returns the store key of the lock.
func (m *Mutex) Key() string { return m.key }

// Lock blocks until the lock is held by the caller. It returns an error
// wrapping errors.ErrCancelled when ctx is cancelled.
func (m *Mutex) Lock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "lock.Lock", trace.WithAttributes(attribute.String("key", m.key)))
	defer span.End()
	id := m.opts.identity(ctx)
	_, err := m.opts.acquireLoop(ctx, m.key, time.Time{}, m.attemptFunc(id))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// TryLock makes a single attempt and reports whether the lock was acquired.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.TryLock", trace.WithAttributes(attribute.String("key", m.key)))
	defer span.End()
	return tryOnce(ctx, m.attemptFunc(m.opts.identity(ctx)))
}

// TryLockTimeout retries for up to timeout, measured on the local clock.
func (m *Mutex) TryLockTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.TryLockTimeout", trace.WithAttributes(attribute.String("key", m.key)))
	defer span.End()
	id := m.opts.identity(ctx)
	return m.opts.acquireLoop(ctx, m.key, time.Now().Add(timeout), m.attemptFunc(id))
}

func (m *Mutex) attemptFunc(id identity.Identity) attemptFunc {
	return func(ctx context.Context) (outcome, error) {
		res, kind, err := m.attempt(ctx, id)
		if err == nil && res == outcomeAcquired {
			m.locked.Store(true)
			metrics.AcquireCounter.WithLabelValues(kind).Inc()
		}
		return res, err
	}
}

// attempt is one pass of the acquisition protocol:
//  1. create the key if absent;
//  2. if the stored lease expired, swap in ours unless it changed since
//     we read it;
//  3. if the live lease is ours, refresh it and count one more hold.
func (m *Mutex) attempt(ctx context.Context, id identity.Identity) (outcome, string, error) {
	now, err := m.res.clock.Now(ctx)
	if err != nil {
		return 0, "", err
	}
	expires := now + m.lease.Milliseconds() + 1
	candidate, err := record.Encode(record.New(id, expires))
	if err != nil {
		return 0, "", err
	}

	st := m.res.store
	ok, err := st.SetNX(ctx, m.key, candidate)
	if err != nil {
		return 0, "", err
	}
	if ok {
		m.opts.logger.Debug("lock acquired", "key", m.key, "kind", "new", "owner", id.String(), "expires", expires)
		return outcomeAcquired, "new", nil
	}

	cur, found, err := st.Get(ctx, m.key)
	if err != nil {
		return 0, "", err
	}
	if !found {
		return outcomeRaced, "", nil
	}
	rec, err := record.Decode(cur)
	if err != nil {
		return 0, "", err
	}

	if rec.Expired(now) {
		return m.takeover(ctx, id, cur, rec, candidate)
	}

	if !rec.OwnedBy(id) {
		return outcomeHeld, "", nil
	}
	rec.Expires = expires
	if err := rec.Inc(); err != nil {
		return 0, "", err
	}
	next, err := record.Encode(rec)
	if err != nil {
		return 0, "", err
	}
	swapped, err := st.CompareAndSwap(ctx, m.key, cur, next)
	if err != nil {
		return 0, "", err
	}
	if !swapped {
		return outcomeRaced, "", nil
	}
	m.opts.logger.Debug("lock acquired", "key", m.key, "kind", "reentrant", "owner", id.String(), "count", rec.Count, "expires", expires)
	return outcomeAcquired, "reentrant", nil
}

// takeover replaces the expired lease cur with candidate. The swap only
// succeeds while the key still holds exactly the expired bytes we judged,
// so of several contenders at most one wins and the others retry against
// the winner's live record.
func (m *Mutex) takeover(ctx context.Context, id identity.Identity, cur []byte, prev record.Record, candidate []byte) (outcome, string, error) {
	swapped, err := m.res.store.CompareAndSwap(ctx, m.key, cur, candidate)
	if err != nil {
		return 0, "", err
	}
	if !swapped {
		return outcomeRaced, "", nil
	}
	m.opts.logger.Debug("lock acquired", "key", m.key, "kind", "takeover", "owner", id.String(), "previous", prev.String())
	return outcomeAcquired, "takeover", nil
}

// Unlock releases one hold. A lease that already expired is left alone,
// because the key may by now belong to someone else or to nobody; the
// caller gets no error in that case even though it lost the lock. Releasing
// a lease held by another identity, or a key that holds no lease at all,
// fails with errors.ErrIllegalRelease and leaves the record untouched.
func (m *Mutex) Unlock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "lock.Unlock", trace.WithAttributes(attribute.String("key", m.key)))
	defer span.End()
	id := m.opts.identity(ctx)
	for {
		done, err := m.release(ctx, id)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if done {
			return nil
		}
	}
}

func (m *Mutex) release(ctx context.Context, id identity.Identity) (bool, error) {
	now, err := m.res.clock.Now(ctx)
	if err != nil {
		return false, err
	}
	st := m.res.store
	cur, found, err := st.Get(ctx, m.key)
	if err != nil {
		return false, err
	}
	if !found {
		metrics.ReleaseCounter.WithLabelValues("illegal").Inc()
		return false, fmt.Errorf("%w: %s is not locked", dlockerrors.ErrIllegalRelease, m.key)
	}
	rec, err := record.Decode(cur)
	if err != nil {
		return false, err
	}
	if rec.Expired(now) {
		m.locked.Store(false)
		metrics.ReleaseCounter.WithLabelValues("expired").Inc()
		m.opts.logger.Warn("lock: releasing an expired lease", "key", m.key, "owner", id.String(), "record", rec.String())
		return true, nil
	}
	if !rec.OwnedBy(id) {
		metrics.ReleaseCounter.WithLabelValues("illegal").Inc()
		return false, fmt.Errorf("%w: %s is held by %s, not %s", dlockerrors.ErrIllegalRelease, m.key, rec.Owner(), id)
	}

	var next []byte
	if rec.Count > 1 {
		rec.Dec()
		if next, err = record.Encode(rec); err != nil {
			return false, err
		}
	}
	swapped, err := st.CompareAndSwap(ctx, m.key, cur, next)
	if err != nil || !swapped {
		return false, err
	}
	if next == nil {
		m.locked.Store(false)
		metrics.ReleaseCounter.WithLabelValues("deleted").Inc()
		m.opts.logger.Debug("lock released", "key", m.key, "owner", id.String())
		m.opts.notifyReleased(ctx, m.key)
	} else {
		metrics.ReleaseCounter.WithLabelValues("decremented").Inc()
		m.opts.logger.Debug("lock hold released", "key", m.key, "owner", id.String(), "count", rec.Count)
	}
	return true, nil
}

// IsLocked reports whether anyone holds a live lease. The answer may be
// stale as soon as it is returned.
func (m *Mutex) IsLocked(ctx context.Context) (bool, error) {
	rec, ok, now, err := m.current(ctx)
	if err != nil || !ok {
		return false, err
	}
	return !rec.Expired(now), nil
}

// IsHeldByCurrentOwner reports whether the caller holds a live lease.
func (m *Mutex) IsHeldByCurrentOwner(ctx context.Context) (bool, error) {
	n, err := m.HoldCount(ctx)
	return n > 0, err
}

// HoldCount returns how many times the caller holds the lock, or zero.
func (m *Mutex) HoldCount(ctx context.Context) (int32, error) {
	rec, ok, now, err := m.current(ctx)
	if err != nil || !ok {
		return 0, err
	}
	if rec.Expired(now) || !rec.OwnedBy(m.opts.identity(ctx)) {
		return 0, nil
	}
	return rec.Count, nil
}

func (m *Mutex) current(ctx context.Context) (record.Record, bool, int64, error) {
	now, err := m.res.clock.Now(ctx)
	if err != nil {
		return record.Record{}, false, 0, err
	}
	cur, found, err := m.res.store.Get(ctx, m.key)
	if err != nil || !found {
		return record.Record{}, false, 0, err
	}
	rec, err := record.Decode(cur)
	if err != nil {
		return record.Record{}, false, 0, err
	}
	return rec, true, now, nil
}

// Locked reports whether this handle last observed itself acquiring the
// lock. It is advisory; the store record decides ownership.
func (m *Mutex) Locked() bool { return m.locked.Load() }

// Release closes the store and clock connections. Later calls are no-ops.
func (m *Mutex) Release() error {
	return m.res.release()
}
