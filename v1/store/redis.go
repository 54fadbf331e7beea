package store

import (
	"context"
	stdErrors "errors"
	"net"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlock/v1/store")

// casScript swaps the value only when the current one matches.
// ARGV: expect-absent flag, expected value, delete flag, new value.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "1" then
    if cur then
        return 0
    end
elseif cur ~= ARGV[2] then
    return 0
end
if ARGV[3] == "1" then
    redis.call("DEL", KEYS[1])
else
    redis.call("SET", KEYS[1], ARGV[4])
end
return 1
`)

// Redis implements Store using a Redis backend.
type Redis struct {
	client  *redis.Client
	addr    string
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Store using the provided Redis client. The store takes
// ownership of the client: Close closes it.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, addr: client.Options().Addr, timeout: o.timeout}
}

func (s *Redis) start(ctx context.Context, op, key string) (context.Context, context.CancelFunc, trace.Span) {
	ctx, span := tracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("key", key)))
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, span
}

// mapErr translates client errors into the shared taxonomy. ctx is the
// caller's context: when it is done, its error is returned unchanged and only
// the per-operation timeout maps to ErrTimeout.
func (s *Redis) mapErr(ctx context.Context, span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	// the client turns context deadlines into socket deadlines
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	var (
		rerr redis.Error
		nerr net.Error
	)
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return dlockerrors.ErrTimeout
	case stdErrors.As(err, &nerr) && nerr.Timeout():
		return dlockerrors.ErrTimeout
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, redis.ErrClosed):
		return dlockerrors.ErrConnectionClosed
	case stdErrors.As(err, &rerr):
		return err
	}
	return dlockerrors.NewTransportError(s.addr, err)
}

// SetNX implements Store.SetNX.
func (s *Redis) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	cctx, cancel, span := s.start(ctx, "SetNX", key)
	defer span.End()
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, s.mapErr(ctx, span, err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, span := s.start(ctx, "Get", key)
	defer span.End()
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.mapErr(ctx, span, err)
	}
	return data, true, nil
}

// GetSet implements Store.GetSet.
func (s *Redis) GetSet(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	cctx, cancel, span := s.start(ctx, "GetSet", key)
	defer span.End()
	defer cancel()
	data, err := s.client.GetSet(cctx, key, value).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.mapErr(ctx, span, err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	cctx, cancel, span := s.start(ctx, "Set", key)
	defer span.End()
	defer cancel()
	return s.mapErr(ctx, span, s.client.Set(cctx, key, value, 0).Err())
}

// Del implements Store.Del.
func (s *Redis) Del(ctx context.Context, key string) error {
	cctx, cancel, span := s.start(ctx, "Del", key)
	defer span.End()
	defer cancel()
	return s.mapErr(ctx, span, s.client.Del(cctx, key).Err())
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *Redis) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	cctx, cancel, span := s.start(ctx, "CompareAndSwap", key)
	defer span.End()
	defer cancel()
	expectAbsent, del := "0", "0"
	if prev == nil {
		expectAbsent = "1"
	}
	if next == nil {
		del = "1"
	}
	n, err := casScript.Run(cctx, s.client, []string{key}, expectAbsent, prev, del, next).Int()
	if err != nil {
		return false, s.mapErr(ctx, span, err)
	}
	return n == 1, nil
}

// Close implements Store.Close.
func (s *Redis) Close() error {
	return s.client.Close()
}
