package clock

import (
	stdErrors "errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

const (
	cmdTime  = "time"
	cmdHalt  = "halt"
	errReply = "error"

	// readSize bounds one readiness event; commands are four bytes.
	readSize = 16
	minCmd   = 4

	defaultWriteTimeout = 50 * time.Millisecond
)

// ErrServerStarted is returned when Serve is called twice.
var ErrServerStarted = stdErrors.New("clock: server already started")

type eventKind int

const (
	evAccepted eventKind = iota
	evReadable
	evAcceptFailed
	evWritten
)

type event struct {
	kind eventKind
	conn net.Conn
	sc   *serverConn
	data []byte
	n    int
	err  error
}

// serverConn is owned by the dispatch loop; only the loop touches pending.
// At most one chunk is in flight on writes at a time.
type serverConn struct {
	id      string
	conn    net.Conn
	pending []byte
	writes  chan []byte
	writing bool
	closed  bool
}

// Server is the clock oracle. All command handling happens on a single
// dispatch loop. Per-connection goroutines block on Read and Write and report
// back to the loop, which never waits on a peer.
type Server struct {
	now          func() time.Time
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	started  bool

	events   chan event
	haltCh   chan struct{}
	haltOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	conns    map[*serverConn]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithNow sets the time source reported to clients.
func WithNow(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithServerLogger sets the logger used by the server.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithWriteTimeout bounds one write on a connection. Bytes the peer has not
// taken by then stay queued, behind any newer replies, and are retried.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer returns a clock server ready to Serve.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		now:          time.Now,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		events:       make(chan event),
		haltCh:       make(chan struct{}),
		done:         make(chan struct{}),
		conns:        make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the TCP address and serves until halted.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Halt stops the server. It is safe to call from any goroutine and more
// than once.
func (s *Server) Halt() {
	s.haltOnce.Do(func() { close(s.haltCh) })
}

// Serve accepts connections on l and runs the dispatch loop until a halt
// command or Halt. It returns nil after a halt and the accept error if the
// listener fails.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("clock server listening", "addr", l.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(l)

	err := s.loop()

	_ = l.Close()
	for sc := range s.conns {
		s.closeConn(sc)
	}
	close(s.done)
	s.wg.Wait()
	s.logger.Info("clock server stopped", "addr", l.Addr().String())
	return err
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			var ne net.Error
			if stdErrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.post(event{kind: evAcceptFailed, err: err})
			return
		}
		if !s.post(event{kind: evAccepted, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()
	for {
		buf := make([]byte, readSize)
		n, err := sc.conn.Read(buf)
		if !s.post(event{kind: evReadable, sc: sc, data: buf[:n], err: err}) {
			return
		}
		if err != nil {
			return
		}
	}
}

// writeLoop performs the blocking writes for one connection. The loop owns
// the queue; this goroutine only reports how much of a chunk went out.
func (s *Server) writeLoop(sc *serverConn) {
	defer s.wg.Done()
	for b := range sc.writes {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		n, err := sc.conn.Write(b)
		if !s.post(event{kind: evWritten, sc: sc, n: n, err: err}) {
			return
		}
	}
}

// post hands an event to the dispatch loop. It reports false once the
// server has shut down.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) loop() error {
	for {
		select {
		case <-s.haltCh:
			return nil
		case ev := <-s.events:
			switch ev.kind {
			case evAccepted:
				s.register(ev.conn)
			case evReadable:
				s.handleRead(ev.sc, ev.data, ev.err)
			case evWritten:
				s.handleWritten(ev.sc, ev.n, ev.err)
			case evAcceptFailed:
				select {
				case <-s.haltCh:
					return nil
				default:
				}
				s.logger.Error("clock server accept failed", "error", ev.err)
				return ev.err
			}
		}

		// a halt command received above must win over pending work
		select {
		case <-s.haltCh:
			return nil
		default:
		}

		metrics.ClockPendingGauge.Set(float64(s.pendingConns()))
	}
}

func (s *Server) register(conn net.Conn) {
	sc := &serverConn{id: uuid.NewString(), conn: conn, writes: make(chan []byte, 1)}
	s.conns[sc] = struct{}{}
	metrics.ClockConnGauge.Inc()
	s.logger.Debug("clock connection registered", "conn", sc.id, "remote", conn.RemoteAddr().String())
	s.wg.Add(2)
	go s.readLoop(sc)
	go s.writeLoop(sc)
}

func (s *Server) handleRead(sc *serverConn, data []byte, err error) {
	if sc.closed {
		return
	}
	if len(data) > 0 {
		s.dispatch(sc, data)
	}
	if err != nil {
		s.logger.Debug("clock connection closed", "conn", sc.id, "error", err)
		s.closeConn(sc)
	}
}

func (s *Server) dispatch(sc *serverConn, data []byte) {
	if len(data) < minCmd {
		metrics.ClockRequestCounter.WithLabelValues("short").Inc()
		s.reply(sc, []byte(errReply))
		return
	}
	cmd := strings.TrimSpace(string(data))
	switch {
	case strings.EqualFold(cmd, cmdTime):
		metrics.ClockRequestCounter.WithLabelValues(cmdTime).Inc()
		s.reply(sc, strconv.AppendInt(nil, s.now().UnixMilli(), 10))
	case strings.EqualFold(cmd, cmdHalt):
		metrics.ClockRequestCounter.WithLabelValues(cmdHalt).Inc()
		s.logger.Info("clock server halt requested", "conn", sc.id)
		s.Halt()
	default:
		metrics.ClockRequestCounter.WithLabelValues("unknown").Inc()
		s.logger.Warn("clock server discarding unrecognized command", "conn", sc.id, "command", cmd)
		s.reply(sc, []byte(errReply))
	}
}

// reply queues b behind any unflushed bytes and tries to flush.
func (s *Server) reply(sc *serverConn, b []byte) {
	sc.pending = append(sc.pending, b...)
	s.flush(sc)
}

// flush hands the queue to the connection's writer unless a write is
// already in flight.
func (s *Server) flush(sc *serverConn) {
	if sc.closed || sc.writing || len(sc.pending) == 0 {
		return
	}
	sc.writing = true
	sc.writes <- append([]byte(nil), sc.pending...)
}

// handleWritten drops the bytes the peer accepted and requeues the rest.
func (s *Server) handleWritten(sc *serverConn, n int, err error) {
	if sc.closed {
		return
	}
	sc.writing = false
	rest := copy(sc.pending, sc.pending[n:])
	sc.pending = sc.pending[:rest]
	if err != nil {
		var ne net.Error
		if !stdErrors.As(err, &ne) || !ne.Timeout() {
			s.logger.Warn("clock reply write failed", "conn", sc.id, "error", err)
			s.closeConn(sc)
			return
		}
		s.logger.Debug("clock reply partially written", "conn", sc.id, "written", n, "queued", len(sc.pending))
	}
	s.flush(sc)
}

func (s *Server) pendingConns() int {
	n := 0
	for sc := range s.conns {
		if len(sc.pending) > 0 {
			n++
		}
	}
	return n
}

func (s *Server) closeConn(sc *serverConn) {
	if sc.closed {
		return
	}
	sc.closed = true
	sc.pending = nil
	close(sc.writes)
	_ = sc.conn.Close()
	delete(s.conns, sc)
	metrics.ClockConnGauge.Dec()
}
