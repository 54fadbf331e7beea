package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[key]; !ok {
		ns, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.deliver(key)
		})
		if err != nil {
			return nil, err
		}
		// the subscription must be registered before Publish returns
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.subs[key] = ns
	}
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(key, ch); !last {
		return nil
	}
	ns, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.metrics()
}
