// Package syncbus propagates lock release notifications between nodes so
// that blocked acquirers can retry as soon as a key is freed instead of
// waiting out their backoff. Delivery is best effort: a lost notification
// only delays a waiter until its next backoff tick.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by lock name.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// UnlockTopic is the topic a lock publishes on when key is released.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of every bus implementation.
// Sends never block and happen under the lock, so Unsubscribe can close a
// channel without racing a delivery. The zero value is ready to use.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// add registers a channel and reports whether it is the first for key.
func (f *fanout) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan struct{})
	}
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, found
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key]) > 0
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.published.Add(1)
	b.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.metrics()
}
