package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-dlock/v1/identity"
	"github.com/mirkobrombin/go-dlock/v1/record"
	"github.com/mirkobrombin/go-dlock/v1/store"
)

var host = identity.Static{Addr: "0A-1B-2C-3D-4E-5F", Process: 4242}

// manualClock is a clock.Source the test moves by hand.
type manualClock struct {
	mu     sync.Mutex
	now    int64
	err    error
	closed atomic.Int32
}

func (c *manualClock) Now(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, c.err
}

func (c *manualClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

func (c *manualClock) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *manualClock) Close() error {
	c.closed.Add(1)
	return nil
}

// countingStore counts mutations and closes of the wrapped store.
type countingStore struct {
	store.Store
	mutations atomic.Int32
	closed    atomic.Int32
}

func (s *countingStore) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	s.mutations.Add(1)
	return s.Store.SetNX(ctx, key, value)
}

func (s *countingStore) GetSet(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	s.mutations.Add(1)
	return s.Store.GetSet(ctx, key, value)
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mutations.Add(1)
	return s.Store.Set(ctx, key, value)
}

func (s *countingStore) Del(ctx context.Context, key string) error {
	s.mutations.Add(1)
	return s.Store.Del(ctx, key)
}

func (s *countingStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.mutations.Add(1)
	return s.Store.CompareAndSwap(ctx, key, prev, next)
}

func (s *countingStore) Close() error {
	s.closed.Add(1)
	return s.Store.Close()
}

// hookStore runs beforeCAS once, right before the first compare-and-swap,
// to interleave a competing write.
type hookStore struct {
	store.Store
	once      sync.Once
	beforeCAS func()
}

func (s *hookStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.once.Do(s.beforeCAS)
	return s.Store.CompareAndSwap(ctx, key, prev, next)
}

func newRedisStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedis(client, store.WithTimeout(time.Second))
	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s
}

func backends(t *testing.T) map[string]store.Store {
	return map[string]store.Store{
		"memory": store.NewInMemory(),
		"redis":  newRedisStore(t),
	}
}

func ownerCtx() (context.Context, identity.Identity) {
	o := identity.NewOwner()
	ctx := identity.WithOwner(context.Background(), o)
	return ctx, identity.Current(ctx, host, identity.Owner{})
}

func readRecord(t *testing.T, st store.Store, key string) (record.Record, bool) {
	t.Helper()
	data, ok, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return record.Record{}, false
	}
	rec, err := record.Decode(data)
	require.NoError(t, err)
	return rec, true
}

func readRW(t *testing.T, st store.Store, key string) *record.ReadWrite {
	t.Helper()
	data, ok, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	rw, err := record.DecodeReadWrite(data)
	require.NoError(t, err)
	return rw
}

func rawValue(t *testing.T, st store.Store, key string) []byte {
	t.Helper()
	data, _, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	return data
}
