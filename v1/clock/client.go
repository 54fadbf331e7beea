// Package clock implements the network time oracle that lock contenders use
// for lease arithmetic, so that expiry instants computed on different hosts
// are comparable. The wire protocol is plain text over one persistent TCP
// connection: "time" is answered with epoch milliseconds in ASCII decimal,
// "halt" stops the server and anything else is answered with "error".
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

const (
	replySize             = 64
	defaultRequestTimeout = 5 * time.Second

	// epoch milliseconds have 13 digits from 2001 until 2286
	minReplyDigits = 13
)

// Source yields the current time in epoch milliseconds.
type Source interface {
	Now(ctx context.Context) (int64, error)
}

// LocalSource reads the local wall clock. It is only sound when every
// contender runs on the same host.
type LocalSource struct{}

// Now implements Source.
func (LocalSource) Now(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

// Client talks to a clock Server over a single connection. Calls are
// serialized; one request is in flight at a time.
type Client struct {
	addr    string
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	broken error
	closed bool
	buf    [replySize]byte
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used by the client.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRequestTimeout bounds a single request when ctx has no deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to the clock server at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{addr: addr, logger: slog.Default(), timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(c)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dlockerrors.NewTransportError(addr, err)
	}
	c.conn = conn
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Now asks the server for its time. An unparseable reply degrades to the
// local clock and is logged; a connection failure is returned as a
// *errors.TransportError and leaves the client unusable.
func (c *Client) Now(ctx context.Context) (int64, error) {
	reply, err := c.roundTrip(ctx, cmdTime, true)
	if err != nil {
		return 0, err
	}
	reply = strings.TrimSpace(reply)
	ms, perr := strconv.ParseInt(reply, 10, 64)
	if perr == nil && len(reply) < minReplyDigits {
		perr = fmt.Errorf("%d digits is not an epoch millisecond reading", len(reply))
	}
	if perr != nil {
		metrics.ClockFallbackCounter.Inc()
		local := time.Now().UnixMilli()
		c.logger.Warn("clock: malformed reply, using local clock", "addr", c.addr, "reply", reply, "error", perr)
		return local, nil
	}
	return ms, nil
}

// Halt asks the server to stop. The server does not answer.
func (c *Client) Halt(ctx context.Context) error {
	_, err := c.roundTrip(ctx, cmdHalt, false)
	return err
}

func (c *Client) roundTrip(ctx context.Context, cmd string, wait bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", dlockerrors.NewTransportError(c.addr, dlockerrors.ErrConnectionClosed)
	}
	if c.broken != nil {
		return "", dlockerrors.NewTransportError(c.addr, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", c.fail(err)
	}
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", c.fail(err)
	}
	if !wait {
		return "", nil
	}
	// a reading may arrive split across reads; keep reading while all that
	// came so far is a digit prefix
	n := 0
	for n < len(c.buf) && (n == 0 || (n < minReplyDigits && allDigits(c.buf[:n]))) {
		m, err := c.conn.Read(c.buf[n:])
		n += m
		if err != nil {
			return "", c.fail(err)
		}
	}
	return string(c.buf[:n]), nil
}

func allDigits(b []byte) bool {
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// fail marks the connection unusable; a late reply would otherwise be read
// as the answer to the next request.
func (c *Client) fail(err error) error {
	c.broken = err
	_ = c.conn.Close()
	return dlockerrors.NewTransportError(c.addr, err)
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil && c.broken == nil {
		return fmt.Errorf("clock: close %s: %w", c.addr, err)
	}
	return nil
}
