package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const redisChannelPrefix = "dlock:"

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	fanout
	client *redis.Client

	subMu sync.Mutex
	subs  map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "syncbus.Publish", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	if err := b.client.Publish(ctx, redisChannelPrefix+key, "1").Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[key]; !ok {
		ps := b.client.Subscribe(context.Background(), redisChannelPrefix+key)
		// wait for the subscription confirmation so no publish is missed
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.subs[key] = ps
		go b.dispatch(key, ps)
	}
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(key, ch); !last {
		return nil
	}
	ps, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return ps.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.metrics()
}
