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

// RWMutex is a shared/exclusive lease lock. Its read and write handles
// store a reader set or a single writer under one key, never both.
//
// A holder of a read lease cannot take the write lease: there is no upgrade
// path, and a blocking WriteLock().Lock by a current reader waits until its
// own read lease expires. Callers must release reads before writing.
type RWMutex struct {
	res  *resources
	key  string
	opts *options

	read  *RWHandle
	write *RWHandle
}

// RWHandle is one side of an RWMutex.
type RWHandle struct {
	rw     *RWMutex
	write  bool
	lease  time.Duration
	locked atomic.Bool
}

var (
	_ Locker     = (*RWHandle)(nil)
	_ Releasable = (*RWMutex)(nil)
)

// NewRWMutex returns a read/write lock on key. Reader and writer leases last
// readLease and writeLease respectively. Both handles share st and clk,
// which Release closes once unless WithSharedResources is given.
func NewRWMutex(st store.Store, clk clock.Source, key string, readLease, writeLease time.Duration, opts ...Option) *RWMutex {
	o := newOptions(opts)
	rw := &RWMutex{
		res:  &resources{store: st, clock: clk, shared: o.shared},
		key:  key,
		opts: o,
	}
	rw.read = &RWHandle{rw: rw, lease: readLease}
	rw.write = &RWHandle{rw: rw, write: true, lease: writeLease}
	return rw
}

// Key returns the store key of the lock.
func (rw *RWMutex) Key() string { return rw.key }

// ReadLock returns the shared handle.
func (rw *RWMutex) ReadLock() *RWHandle { return rw.read }

// WriteLock returns the exclusive handle.
func (rw *RWMutex) WriteLock() *RWHandle { return rw.write }

// Release closes the shared store and clock connections once.
func (rw *RWMutex) Release() error { return rw.res.release() }

// IsReadLocked reports whether any live reader lease exists.
func (rw *RWMutex) IsReadLocked(ctx context.Context) (bool, error) {
	cur, now, err := rw.current(ctx)
	if err != nil || cur == nil {
		return false, err
	}
	return cur.LiveReaders(now) > 0, nil
}

// IsWriteLocked reports whether a live writer lease exists.
func (rw *RWMutex) IsWriteLocked(ctx context.Context) (bool, error) {
	cur, now, err := rw.current(ctx)
	if err != nil || cur == nil {
		return false, err
	}
	return cur.WriteLive(now), nil
}

func (rw *RWMutex) current(ctx context.Context) (*record.ReadWrite, int64, error) {
	now, err := rw.res.clock.Now(ctx)
	if err != nil {
		return nil, 0, err
	}
	data, found, err := rw.res.store.Get(ctx, rw.key)
	if err != nil || !found {
		return nil, 0, err
	}
	cur, err := record.DecodeReadWrite(data)
	if err != nil {
		return nil, 0, err
	}
	return cur, now, nil
}

func (h *RWHandle) side() string {
	if h.write {
		return "write"
	}
	return "read"
}

// Lock blocks until the lease is held or ctx is cancelled.
func (h *RWHandle) Lock(ctx context.Context) error {
	ctx, span := h.start(ctx, "lock.RWLock")
	defer span.End()
	_, err := h.rw.opts.acquireLoop(ctx, h.rw.key, time.Time{}, h.attemptFunc(h.rw.opts.identity(ctx)))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// TryLock makes a single attempt.
func (h *RWHandle) TryLock(ctx context.Context) (bool, error) {
	ctx, span := h.start(ctx, "lock.RWTryLock")
	defer span.End()
	return tryOnce(ctx, h.attemptFunc(h.rw.opts.identity(ctx)))
}

// TryLockTimeout retries for up to timeout on the local clock.
func (h *RWHandle) TryLockTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, span := h.start(ctx, "lock.RWTryLockTimeout")
	defer span.End()
	return h.rw.opts.acquireLoop(ctx, h.rw.key, time.Now().Add(timeout), h.attemptFunc(h.rw.opts.identity(ctx)))
}

func (h *RWHandle) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("key", h.rw.key),
		attribute.String("side", h.side()),
	))
}

func (h *RWHandle) attemptFunc(id identity.Identity) attemptFunc {
	return func(ctx context.Context) (outcome, error) {
		res, kind, err := h.attempt(ctx, id)
		if err == nil && res == outcomeAcquired {
			h.locked.Store(true)
			metrics.AcquireCounter.WithLabelValues(kind).Inc()
		}
		return res, err
	}
}

// attempt reads the whole record, applies the caller's change locally and
// writes it back only if nobody changed it in between. Concurrent readers
// therefore never overwrite each other's entries.
func (h *RWHandle) attempt(ctx context.Context, id identity.Identity) (outcome, string, error) {
	now, err := h.rw.res.clock.Now(ctx)
	if err != nil {
		return 0, "", err
	}
	expires := now + h.lease.Milliseconds() + 1

	st := h.rw.res.store
	prev, found, err := st.Get(ctx, h.rw.key)
	if err != nil {
		return 0, "", err
	}
	cur := &record.ReadWrite{}
	if found {
		if cur, err = record.DecodeReadWrite(prev); err != nil {
			return 0, "", err
		}
	} else {
		prev = nil
	}

	var kind string
	if h.write {
		kind, err = h.acquireWrite(cur, id, now, expires)
	} else {
		kind, err = h.acquireRead(cur, id, now, expires)
	}
	if err != nil {
		return 0, "", err
	}
	if kind == "" {
		return outcomeHeld, "", nil
	}

	next, err := record.Encode(cur)
	if err != nil {
		return 0, "", err
	}
	swapped, err := st.CompareAndSwap(ctx, h.rw.key, prev, next)
	if err != nil {
		return 0, "", err
	}
	if !swapped {
		return outcomeRaced, "", nil
	}
	h.rw.opts.logger.Debug("lock acquired", "key", h.rw.key, "side", h.side(), "kind", kind, "owner", id.String(), "expires", expires)
	return outcomeAcquired, kind, nil
}

// acquireRead adds or refreshes id's reader entry. An empty kind means a
// live writer blocks the caller.
func (h *RWHandle) acquireRead(cur *record.ReadWrite, id identity.Identity, now, expires int64) (string, error) {
	if cur.WriteLive(now) {
		return "", nil
	}
	kind := "new"
	if cur.WriteInfo != nil {
		kind = "takeover"
	}
	cur.Prune(now)
	if i := cur.ReaderIndex(id); i >= 0 {
		r := &cur.ReadInfos[i]
		if err := r.Inc(); err != nil {
			return "", err
		}
		r.Expires = expires
		return "reentrant", nil
	}
	cur.ReadInfos = append(cur.ReadInfos, record.New(id, expires))
	return kind, nil
}

// acquireWrite installs or refreshes id as the writer. An empty kind means
// a live reader or another live writer blocks the caller.
func (h *RWHandle) acquireWrite(cur *record.ReadWrite, id identity.Identity, now, expires int64) (string, error) {
	if cur.WriteLive(now) {
		if !cur.WriteInfo.OwnedBy(id) {
			return "", nil
		}
		if err := cur.WriteInfo.Inc(); err != nil {
			return "", err
		}
		cur.WriteInfo.Expires = expires
		return "reentrant", nil
	}
	if cur.LiveReaders(now) > 0 {
		if i := cur.ReaderIndex(id); i >= 0 && !cur.ReadInfos[i].Expired(now) {
			h.rw.opts.logger.Warn("lock: write requested while holding a read lease", "key", h.rw.key, "owner", id.String())
		}
		return "", nil
	}
	kind := "new"
	if !cur.Empty() {
		kind = "takeover"
	}
	cur.Prune(now)
	w := record.New(id, expires)
	cur.WriteInfo = &w
	return kind, nil
}

// Unlock releases one hold of the caller's entry on this side. An entry
// that already expired is left alone. Releasing without an entry fails with
// errors.ErrIllegalRelease and leaves the record untouched.
func (h *RWHandle) Unlock(ctx context.Context) error {
	ctx, span := h.start(ctx, "lock.RWUnlock")
	defer span.End()
	id := h.rw.opts.identity(ctx)
	for {
		done, err := h.release(ctx, id)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if done {
			return nil
		}
	}
}

func (h *RWHandle) release(ctx context.Context, id identity.Identity) (bool, error) {
	now, err := h.rw.res.clock.Now(ctx)
	if err != nil {
		return false, err
	}
	st := h.rw.res.store
	prev, found, err := st.Get(ctx, h.rw.key)
	if err != nil {
		return false, err
	}
	if !found {
		metrics.ReleaseCounter.WithLabelValues("illegal").Inc()
		return false, fmt.Errorf("%w: %s is not locked", dlockerrors.ErrIllegalRelease, h.rw.key)
	}
	cur, err := record.DecodeReadWrite(prev)
	if err != nil {
		return false, err
	}

	var entry *record.Record
	idx := -1
	if h.write {
		if cur.WriteInfo != nil && cur.WriteInfo.OwnedBy(id) {
			entry = cur.WriteInfo
		}
	} else if idx = cur.ReaderIndex(id); idx >= 0 {
		entry = &cur.ReadInfos[idx]
	}
	if entry == nil {
		metrics.ReleaseCounter.WithLabelValues("illegal").Inc()
		return false, fmt.Errorf("%w: %s holds no %s lease on %s", dlockerrors.ErrIllegalRelease, id, h.side(), h.rw.key)
	}
	if entry.Expired(now) {
		h.locked.Store(false)
		metrics.ReleaseCounter.WithLabelValues("expired").Inc()
		h.rw.opts.logger.Warn("lock: releasing an expired lease", "key", h.rw.key, "side", h.side(), "owner", id.String(), "record", entry.String())
		return true, nil
	}

	removed := entry.Count == 1
	switch {
	case !removed:
		entry.Dec()
	case h.write:
		cur.WriteInfo = nil
	default:
		cur.RemoveReader(idx)
	}
	var next []byte
	if !cur.Empty() {
		if next, err = record.Encode(cur); err != nil {
			return false, err
		}
	}
	swapped, err := st.CompareAndSwap(ctx, h.rw.key, prev, next)
	if err != nil || !swapped {
		return false, err
	}
	if removed {
		h.locked.Store(false)
		metrics.ReleaseCounter.WithLabelValues("deleted").Inc()
		h.rw.opts.logger.Debug("lock released", "key", h.rw.key, "side", h.side(), "owner", id.String())
		h.rw.opts.notifyReleased(ctx, h.rw.key)
	} else {
		metrics.ReleaseCounter.WithLabelValues("decremented").Inc()
	}
	return true, nil
}

// HoldCount returns how many times the caller holds this side, or zero.
func (h *RWHandle) HoldCount(ctx context.Context) (int32, error) {
	cur, now, err := h.rw.current(ctx)
	if err != nil || cur == nil {
		return 0, err
	}
	id := h.rw.opts.identity(ctx)
	var entry *record.Record
	if h.write {
		if cur.WriteInfo != nil && cur.WriteInfo.OwnedBy(id) {
			entry = cur.WriteInfo
		}
	} else if i := cur.ReaderIndex(id); i >= 0 {
		entry = &cur.ReadInfos[i]
	}
	if entry == nil || entry.Expired(now) {
		return 0, nil
	}
	return entry.Count, nil
}

// Locked reports whether this handle last observed itself acquiring. It is
// advisory only.
func (h *RWHandle) Locked() bool { return h.locked.Load() }
