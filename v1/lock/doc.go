// Package lock implements lease based distributed locks over a shared
// key-value store. Mutex is exclusive and reentrant; RWMutex keeps a set of
// readers or a single writer under one key.
//
// Lease expiry is computed from a clock.Source, normally a clock.Client
// talking to the shared time server, so that hosts with drifting local
// clocks agree on when a lease lapses. Holders are told apart by an
// identity.Identity made of the host hardware address, the process id and
// an identity.Owner carried in the context:
//
//	ctx = identity.WithOwner(ctx, identity.NewOwner())
//	if err := m.Lock(ctx); err != nil {
//		return err
//	}
//	defer m.Unlock(ctx)
//
// Calls made with the same Owner re-enter the lock and must be balanced by
// the same number of Unlock calls. Leases are not renewed in the
// background: a holder that outlives its lease silently loses the lock and
// its later Unlock is a no-op.
//
// With WithBus, releases are published on a syncbus so that waiters on
// other nodes retry at once instead of waiting for their backoff.
package lock
