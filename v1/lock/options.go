package lock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	"github.com/mirkobrombin/go-dlock/v1/identity"
	"github.com/mirkobrombin/go-dlock/v1/store"
	"github.com/mirkobrombin/go-dlock/v1/syncbus"
)

const (
	defaultMinBackoff = 5 * time.Millisecond
	defaultMaxBackoff = 100 * time.Millisecond
)

// Option configures a Mutex or an RWMutex.
type Option func(*options)

type options struct {
	bus        syncbus.Bus
	platform   identity.Platform
	owner      identity.Owner
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	shared     bool
}

// WithBus wakes blocked acquirers when the key is released.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithPlatform overrides how the host and process part of the identity is
// resolved.
func WithPlatform(p identity.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithOwner sets the owner used when the context does not carry one.
func WithOwner(owner identity.Owner) Option {
	return func(o *options) { o.owner = owner }
}

// WithBackoff bounds the wait between attempts while the lock is held by
// someone else. The wait doubles from min up to max.
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSharedResources leaves the store and clock open on Release, for
// callers that share them between several locks.
func WithSharedResources() Option {
	return func(o *options) { o.shared = true }
}

func newOptions(opts []Option) *options {
	o := &options{
		platform:   identity.System,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.owner.IsZero() {
		o.owner = identity.NewOwner()
	}
	if o.minBackoff <= 0 {
		o.minBackoff = defaultMinBackoff
	}
	if o.maxBackoff < o.minBackoff {
		o.maxBackoff = o.minBackoff
	}
	return o
}

func (o *options) identity(ctx context.Context) identity.Identity {
	return identity.Current(ctx, o.platform, o.owner)
}

// resources is the store and clock connection pair owned by a lock. Both
// handles of an RWMutex share one.
type resources struct {
	store  store.Store
	clock  clock.Source
	shared bool

	once sync.Once
	err  error
}

// release closes the store and the clock exactly once.
func (r *resources) release() error {
	r.once.Do(func() {
		if r.shared {
			return
		}
		r.err = r.store.Close()
		if c, ok := r.clock.(io.Closer); ok {
			if err := c.Close(); err != nil && r.err == nil {
				r.err = err
			}
		}
	})
	return r.err
}
