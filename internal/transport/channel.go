package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrTransport      = errors.New("transport: channel not connected")
	ErrOutboundFull   = errors.Mark(errors.New("transport: outbound queue full"), ErrTransport)
	ErrConnectionLost = errors.New("transport: connection lost")
	ErrClosedByPeer   = errors.New("transport: closed by peer")
	ErrChannelUsed    = errors.New("transport: channel already used")
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// CloseError is handed to OnClose when the peer closed the socket on purpose.
// It matches ErrClosedByPeer under errors.Is.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return "transport: closed by peer: " + e.Code.String() + " " + e.Reason
}

func (e *CloseError) Is(target error) bool { return target == ErrClosedByPeer }

type Config struct {
	SendQueueSize int
	ReadLimit     int64
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration // 0 disables keepalive pings
	Header        http.Header
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize: 64,
		ReadLimit:     64 << 10,
		DialTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		PingInterval:  20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Channel is one websocket connection attempt to a session endpoint.
//
// Register handlers, then call Connect once. All handlers run on a single
// goroutine in the order frames arrive; OnClose runs exactly once and is the
// last callback. A Channel is not reusable: reconnecting means a new Channel.
type Channel struct {
	endpoint string
	cfg      Config
	log      *zap.Logger
	clock    *types.Clock

	onOpen    func()
	onMessage func(types.Message)
	onClose   func(error)

	state   atomic.Int32
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}

	mu      sync.Mutex
	started bool
	conn    *websocket.Conn
	cause   error
}

func New(endpoint string, cfg Config, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Channel{
		endpoint: endpoint,
		cfg:      cfg,
		log:      log.With(zap.String("endpoint", endpoint)),
		clock:    types.NewClock(nil),
		out:      make(chan []byte, cfg.SendQueueSize),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Channel) OnOpen(fn func())                 { c.onOpen = fn }
func (c *Channel) OnMessage(fn func(types.Message)) { c.onMessage = fn }
func (c *Channel) OnClose(fn func(err error))       { c.onClose = fn }

func (c *Channel) State() State          { return State(c.state.Load()) }
func (c *Channel) Done() <-chan struct{} { return c.done }

// Connect starts dialing in the background and returns immediately. A dial
// failure is reported through OnClose, never as a return value.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrChannelUsed
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run()
	return nil
}

// Send queues msg for the writer. It never blocks: a full queue rejects the
// newest message with ErrOutboundFull.
func (c *Channel) Send(msg types.Message) error {
	if msg == nil {
		return errors.Wrap(types.ErrMalformed, "send nil message")
	}
	if c.State() != StateConnected {
		return errors.Wrapf(ErrTransport, "send %s while %s", msg.Kind(), c.State())
	}

	h := msg.Meta()
	h.Timestamp = c.clock.Next()
	data, err := types.Encode(msg.WithMeta(h))
	if err != nil {
		return err
	}

	select {
	case c.out <- data:
		return nil
	default:
		return errors.Wrapf(ErrOutboundFull, "send %s", msg.Kind())
	}
}

// Close tears the channel down. Safe to call any number of times and from
// inside a handler; only the first call has an effect.
func (c *Channel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))

	c.mu.Lock()
	if !c.started {
		// Never connected: nobody else will report the close.
		c.started = true
		c.mu.Unlock()
		close(c.done)
		if c.onClose != nil {
			c.onClose(nil)
		}
		return nil
	}
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	if conn == nil {
		cancel()
		return nil
	}
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		cancel()
	}()
	return nil
}

func (c *Channel) run() {
	defer close(c.done)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	cancel()
	if err != nil {
		c.cancel()
		if c.closing.Load() {
			c.finish(nil)
			return
		}
		c.finish(errors.Mark(errors.Wrapf(err, "dial %s", c.endpoint), ErrConnectionLost))
		return
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// Close raced the dial.
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		c.cancel()
		c.finish(nil)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn)
	}()

	if c.onOpen != nil {
		c.onOpen()
	}

	readErr := c.readLoop(conn)
	c.cancel()
	<-writerDone

	if c.closing.Load() {
		_ = conn.CloseNow()
		c.finish(nil)
		return
	}
	_ = conn.CloseNow()
	c.finish(c.classify(readErr))
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if c.closing.Load() {
			// Close stops dispatch immediately; drain until the socket goes away.
			continue
		}

		msg, err := types.Decode(data)
		if err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Channel) writeLoop(conn *websocket.Conn) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.fail(conn, errors.Wrap(err, "write"))
				return
			}

		case <-ping:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				c.fail(conn, errors.Wrap(err, "ping"))
				return
			}
		}
	}
}

// fail records the first writer-side failure and kills the socket so the
// reader unblocks and reports it.
func (c *Channel) fail(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
}

func (c *Channel) classify(readErr error) error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause != nil {
		return errors.Mark(cause, ErrConnectionLost)
	}

	var ce websocket.CloseError
	if errors.As(readErr, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return &CloseError{Code: ce.Code, Reason: ce.Reason}
		}
		return errors.Mark(errors.Wrapf(readErr, "closed with %s", ce.Code), ErrConnectionLost)
	}
	if readErr == nil {
		return ErrConnectionLost
	}
	return errors.Mark(errors.Wrap(readErr, "read"), ErrConnectionLost)
}

func (c *Channel) finish(err error) {
	c.state.Store(int32(StateDisconnected))
	if err != nil {
		c.log.Debug("channel closed", zap.Error(err))
	}
	if c.onClose != nil {
		c.onClose(err)
	}
}
