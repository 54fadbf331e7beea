package lock

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/identity"
	"github.com/mirkobrombin/go-dlock/v1/record"
	"github.com/mirkobrombin/go-dlock/v1/store"
	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

func newMutex(st store.Store, clk clock.Source, lease time.Duration, opts ...Option) *Mutex {
	opts = append([]Option{WithPlatform(host), WithSharedResources(), WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewMutex(st, clk, "k", lease, opts...)
}

func TestMutexLeaseScenario(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clk := &manualClock{}
			m := newMutex(st, clk, 5000*time.Millisecond)
			ctx, id := ownerCtx()

			require.NoError(t, m.Lock(ctx))
			rec, ok := readRecord(t, st, "k")
			require.True(t, ok)
			assert.Equal(t, int64(5001), rec.Expires)
			assert.Equal(t, int32(1), rec.Count)
			assert.True(t, rec.OwnedBy(id))
			assert.True(t, m.Locked())

			clk.Set(2000)
			require.NoError(t, m.Lock(ctx))
			rec, _ = readRecord(t, st, "k")
			assert.Equal(t, int64(7001), rec.Expires)
			assert.Equal(t, int32(2), rec.Count)
			n, err := m.HoldCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int32(2), n)

			clk.Set(3000)
			require.NoError(t, m.Unlock(ctx))
			rec, ok = readRecord(t, st, "k")
			require.True(t, ok, "key must survive the first release")
			assert.Equal(t, int32(1), rec.Count)

			require.NoError(t, m.Unlock(ctx))
			_, ok = readRecord(t, st, "k")
			assert.False(t, ok, "last release deletes the key")
			assert.False(t, m.Locked())
		})
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clk := &manualClock{now: 100}
			m := newMutex(st, clk, time.Second)
			ctxA, _ := ownerCtx()
			ctxB, _ := ownerCtx()

			ok, err := m.TryLock(ctxA)
			require.NoError(t, err)
			require.True(t, ok)
			before := rawValue(t, st, "k")

			ok, err = m.TryLock(ctxB)
			require.NoError(t, err)
			assert.False(t, ok)

			start := time.Now()
			ok, err = m.TryLockTimeout(ctxB, 30*time.Millisecond)
			require.NoError(t, err, "running out of time is not an error")
			assert.False(t, ok)
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

			held, err := m.IsHeldByCurrentOwner(ctxB)
			require.NoError(t, err)
			assert.False(t, held)
			locked, err := m.IsLocked(ctxB)
			require.NoError(t, err)
			assert.True(t, locked)

			err = m.Unlock(ctxB)
			assert.ErrorIs(t, err, dlockerrors.ErrIllegalRelease)
			assert.Equal(t, before, rawValue(t, st, "k"), "illegal release must not touch the record")

			require.NoError(t, m.Unlock(ctxA))
			ok, err = m.TryLock(ctxB)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMutexNoTakeoverOfLiveLease(t *testing.T) {
	st := store.NewInMemory()
	clk := &manualClock{}
	m := newMutex(st, clk, time.Second)
	ctxA, _ := ownerCtx()
	ctxB, idB := ownerCtx()

	require.NoError(t, m.Lock(ctxA))
	before := rawValue(t, st, "k")

	clk.Set(1001)
	ok, err := m.TryLock(ctxB)
	require.NoError(t, err)
	assert.False(t, ok, "a lease is live up to and including its expiry instant")
	assert.Equal(t, before, rawValue(t, st, "k"))

	clk.Set(1002)
	ok, err = m.TryLock(ctxB)
	require.NoError(t, err)
	require.True(t, ok)
	rec, _ := readRecord(t, st, "k")
	assert.True(t, rec.OwnedBy(idB))
	assert.Equal(t, int32(1), rec.Count)
	assert.Equal(t, int64(2003), rec.Expires)
}

func TestMutexTakeoverLosesToConcurrentRenewal(t *testing.T) {
	inner := store.NewInMemory()
	ctx := context.Background()
	_, idOld := ownerCtx()
	_, idB := ownerCtx()
	expired, err := record.Encode(record.New(idOld, 10))
	require.NoError(t, err)
	require.NoError(t, inner.Set(ctx, "k", expired))

	renewed, err := record.Encode(record.New(idB, 5000))
	require.NoError(t, err)
	st := &hookStore{Store: inner, beforeCAS: func() {
		_ = inner.Set(ctx, "k", renewed)
	}}

	clk := &manualClock{now: 100}
	m := newMutex(st, clk, time.Second)
	ctxA, _ := ownerCtx()
	ok, err := m.TryLock(ctxA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, renewed, rawValue(t, inner, "k"), "the renewed lease must survive")
}

func TestMutexExpiredTakeoverHasOneWinner(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, idOld := ownerCtx()
			expired, err := record.Encode(record.New(idOld, 10))
			require.NoError(t, err)
			require.NoError(t, st.Set(context.Background(), "k", expired))

			clk := &manualClock{now: 100}
			m := newMutex(st, clk, time.Minute)

			const contenders = 8
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx, _ := ownerCtx()
					<-start
					ok, err := m.TryLock(ctx)
					if err != nil {
						t.Errorf("trylock: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
			rec, ok := readRecord(t, st, "k")
			require.True(t, ok)
			assert.Equal(t, int32(1), rec.Count)
			assert.False(t, rec.OwnedBy(idOld))
		})
	}
}

func TestMutexUnreachableClockMutatesNothing(t *testing.T) {
	st := &countingStore{Store: store.NewInMemory()}
	clk := &manualClock{}
	clk.Fail(dlockerrors.NewTransportError("clock.internal:9999", io.ErrUnexpectedEOF))
	m := newMutex(st, clk, time.Second)
	ctx, _ := ownerCtx()

	err := m.Lock(ctx)
	var te *dlockerrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "clock.internal:9999", te.Addr)

	_, err = m.TryLock(ctx)
	assert.ErrorIs(t, err, dlockerrors.ErrTransport)
	_, err = m.TryLockTimeout(ctx, time.Second)
	assert.ErrorIs(t, err, dlockerrors.ErrTransport)
	assert.ErrorIs(t, m.Unlock(ctx), dlockerrors.ErrTransport)
	assert.Zero(t, st.mutations.Load())
}

func TestMutexWithHaltedClockServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := clock.NewServer()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	ctx, _ := ownerCtx()
	clk, err := clock.Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	st := &countingStore{Store: store.NewInMemory()}
	m := NewMutex(st, clk, "k", time.Second, WithPlatform(host))

	require.NoError(t, m.Lock(ctx))
	require.NoError(t, m.Unlock(ctx))

	srv.Halt()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not halt")
	}

	mutations := st.mutations.Load()
	_, err = m.TryLock(ctx)
	var te *dlockerrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, l.Addr().String(), te.Addr)
	assert.Equal(t, mutations, st.mutations.Load())

	require.NoError(t, m.Release())
	assert.Equal(t, int32(1), st.closed.Load())
}

func TestMutexLockCancelled(t *testing.T) {
	st := store.NewInMemory()
	m := newMutex(st, &manualClock{}, time.Minute)
	ctxA, _ := ownerCtx()
	require.NoError(t, m.Lock(ctxA))

	ctxB, _ := ownerCtx()
	ctxB, cancel := context.WithCancel(ctxB)
	time.AfterFunc(20*time.Millisecond, cancel)
	err := m.Lock(ctxB)
	assert.ErrorIs(t, err, dlockerrors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	ctxC, _ := ownerCtx()
	ctxC, cancelC := context.WithTimeout(ctxC, 20*time.Millisecond)
	defer cancelC()
	err = m.Lock(ctxC)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, dlockerrors.ErrCancelled)
}

func TestMutexBusWakesWaiter(t *testing.T) {
	st := store.NewInMemory()
	bus := syncbus.NewInMemoryBus()
	m := NewMutex(st, &manualClock{}, "k", time.Minute,
		WithPlatform(host), WithSharedResources(), WithBus(bus), WithBackoff(time.Hour, time.Hour))
	ctxA, _ := ownerCtx()
	require.NoError(t, m.Lock(ctxA))

	ctxB, _ := ownerCtx()
	acquired := make(chan error, 1)
	go func() { acquired <- m.Lock(ctxB) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Unlock(ctxA))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the release")
	}
	held, err := m.IsHeldByCurrentOwner(ctxB)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMutexUnlockMissingKeyIsIllegal(t *testing.T) {
	m := newMutex(store.NewInMemory(), &manualClock{}, time.Second)
	ctx, _ := ownerCtx()
	assert.ErrorIs(t, m.Unlock(ctx), dlockerrors.ErrIllegalRelease)
}

func TestMutexUnlockExpiredLeaseIsNoop(t *testing.T) {
	st := store.NewInMemory()
	clk := &manualClock{}
	m := newMutex(st, clk, 100*time.Millisecond)
	ctxA, _ := ownerCtx()
	require.NoError(t, m.Lock(ctxA))
	before := rawValue(t, st, "k")

	clk.Set(500)
	require.NoError(t, m.Unlock(ctxA))
	assert.Equal(t, before, rawValue(t, st, "k"), "an expired lease is not deleted by its former holder")

	ctxB, _ := ownerCtx()
	ok, err := m.TryLock(ctxB)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, m.Unlock(ctxA), dlockerrors.ErrIllegalRelease)
}

func TestMutexCorruptRecord(t *testing.T) {
	st := store.NewInMemory()
	require.NoError(t, st.Set(context.Background(), "k", []byte("{not json")))
	m := newMutex(st, &manualClock{}, time.Second)
	ctx, _ := ownerCtx()
	_, err := m.TryLock(ctx)
	assert.ErrorIs(t, err, dlockerrors.ErrCorruption)
	assert.Equal(t, []byte("{not json"), rawValue(t, st, "k"))
}

func TestMutexDefaultOwnerPerHandle(t *testing.T) {
	st := store.NewInMemory()
	clk := &manualClock{}
	m1 := newMutex(st, clk, time.Second)
	m2 := newMutex(st, clk, time.Second)
	ctx := context.Background()

	ok, err := m1.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m2.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "handles without a context owner are distinct holders")

	ok, err = m1.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := m1.HoldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)

	owner := identity.NewOwner()
	shared := NewMutex(st, clk, "k2", time.Second, WithPlatform(host), WithOwner(owner))
	other := NewMutex(st, clk, "k2", time.Second, WithPlatform(host), WithOwner(owner))
	ok, err = shared.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "handles sharing an owner re-enter each other's lease")
}

func TestMutexReleaseClosesOnce(t *testing.T) {
	st := &countingStore{Store: store.NewInMemory()}
	clk := &manualClock{}
	m := NewMutex(st, clk, "k", time.Second, WithPlatform(host))
	require.NoError(t, m.Release())
	require.NoError(t, m.Release())
	assert.Equal(t, int32(1), st.closed.Load())
	assert.Equal(t, int32(1), clk.closed.Load())

	ctx, _ := ownerCtx()
	_, err := m.TryLock(ctx)
	assert.ErrorIs(t, err, dlockerrors.ErrConnectionClosed)

	sharedStore := &countingStore{Store: store.NewInMemory()}
	shared := NewMutex(sharedStore, clk, "k", time.Second, WithSharedResources())
	require.NoError(t, shared.Release())
	assert.Zero(t, sharedStore.closed.Load())
}

func TestMutexGuardsCallerOwnedCounter(t *testing.T) {
	m := newMutex(store.NewInMemory(), &manualClock{}, time.Minute)
	const workers, rounds = 4, 25
	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, _ := ownerCtx()
			for i := 0; i < rounds; i++ {
				if err := m.Lock(ctx); err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				counter++
				if err := m.Unlock(ctx); err != nil {
					t.Errorf("unlock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*rounds, counter)
}

func TestCancelledKeepsOtherErrors(t *testing.T) {
	assert.ErrorIs(t, cancelled(context.Canceled), dlockerrors.ErrCancelled)
	assert.Equal(t, context.DeadlineExceeded, cancelled(context.DeadlineExceeded))
	wrapped := cancelled(cancelled(context.Canceled))
	assert.ErrorIs(t, wrapped, dlockerrors.ErrCancelled)
	other := errors.New("boom")
	assert.Equal(t, other, cancelled(other))
}

func TestAcquireLoopStopsRacingAtDeadline(t *testing.T) {
	o := newOptions(nil)
	var attempts atomic.Int64
	alwaysRaced := func(context.Context) (outcome, error) {
		attempts.Add(1)
		return outcomeRaced, nil
	}

	done := make(chan bool, 1)
	go func() {
		ok, err := o.acquireLoop(context.Background(), "k", time.Now().Add(30*time.Millisecond), alwaysRaced)
		assert.NoError(t, err)
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire loop kept retrying past its deadline")
	}
	assert.Positive(t, attempts.Load())
}
