package session

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antioch-platform/livesync/internal/transport"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrProtocolViolation  = errors.New("session: message not permitted for local role")
	ErrConnectionLost     = transport.ErrConnectionLost
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	ErrSessionEnded       = errors.New("session: ended by server")
	ErrReplaced           = errors.New("session: replaced by a newer connection")
	ErrClosed             = errors.New("session: client closed")
	ErrInvalidConfig      = errors.New("session: invalid config")
)

type State = transport.State

const (
	StateConnecting   = transport.StateConnecting
	StateConnected    = transport.StateConnected
	StateDisconnected = transport.StateDisconnected
)

type Config struct {
	Endpoint  string
	Identity  types.Participant
	Leader    bool
	Transport transport.Config
	Reconnect ReconnectPolicy
}

// Endpoint builds the socket URL of a session from the server base URL,
// e.g. ("https://live.example.org", "K3J9QZ") -> "wss://live.example.org/sessions/K3J9QZ/ws".
func Endpoint(base, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.Wrap(ErrInvalidConfig, "missing session id")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "parse base url %q", base), ErrInvalidConfig)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

// Client is one participant's view of a live session: it owns the current
// transport channel, the dispatcher and the roster, and reconnects on loss.
// The role is fixed for the client's lifetime.
type Client struct {
	cfg        Config
	role       types.Role
	cb         Callbacks
	log        *zap.Logger
	dispatcher *Dispatcher

	mu       sync.Mutex
	ch       *transport.Channel
	state    State
	closed   bool
	closedCh chan struct{}
}

func New(cfg Config, cb Callbacks, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "missing endpoint")
	}
	if err := types.ValidateParticipant(cfg.Identity); err != nil {
		return nil, errors.Mark(err, ErrInvalidConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	role := types.RoleOf(cfg.Leader)
	log = log.With(zap.String("participant", cfg.Identity.ID), zap.String("role", string(role)))
	return &Client{
		cfg:        cfg,
		role:       role,
		cb:         cb,
		log:        log,
		dispatcher: NewDispatcher(role, newRoster(), cb, log),
		state:      StateConnecting,
		closedCh:   make(chan struct{}),
	}, nil
}

func (c *Client) Role() types.Role { return c.role }
func (c *Client) Roster() *Roster  { return c.dispatcher.Roster() }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run keeps the session connected until ctx is done, Close is called, the
// server ends the session, or the reconnect policy gives up.
func (c *Client) Run(ctx context.Context) error {
	b := c.cfg.Reconnect.newBackOff()
	for {
		openedAt, err := c.connectOnce(ctx)
		switch {
		case c.isClosed():
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.IsAny(err, ErrSessionEnded, ErrReplaced):
			return err
		}

		if !openedAt.IsZero() && time.Since(openedAt) >= c.cfg.Reconnect.StableAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return errors.Wrapf(ErrReconnectExhausted, "after %d attempts: %v", c.cfg.Reconnect.MaxAttempts, err)
		}
		c.log.Warn("session connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.closedCh:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// connectOnce runs a single connection attempt to completion and reports
// when it reached connected (zero if it never did).
func (c *Client) connectOnce(ctx context.Context) (time.Time, error) {
	ch := transport.New(c.cfg.Endpoint, c.cfg.Transport, c.log)
	closed := make(chan error, 1)
	var openedAt time.Time

	ch.OnOpen(func() {
		openedAt = time.Now()
		c.setState(StateConnected)
		join := types.Join{Participant: c.cfg.Identity, Leader: c.cfg.Leader}
		if err := ch.Send(join); err != nil {
			c.log.Error("failed to send join", zap.Error(err))
			_ = ch.Close()
		}
	})
	ch.OnMessage(c.dispatcher.Dispatch)
	ch.OnClose(func(err error) {
		c.setState(StateDisconnected)
		closed <- err
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return time.Time{}, ErrClosed
	}
	c.ch = ch
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := ch.Connect(ctx); err != nil {
		return time.Time{}, err
	}
	err := <-closed

	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	c.mu.Unlock()
	return openedAt, c.classify(err)
}

func (c *Client) classify(err error) error {
	var ce *transport.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Reason {
	case types.ReasonSessionEnded:
		return errors.Mark(err, ErrSessionEnded)
	case types.ReasonReplaced:
		return errors.Mark(err, ErrReplaced)
	}
	return err
}

// SendSync broadcasts the leader's full state. Followers get ErrProtocolViolation.
func (c *Client) SendSync(payload any) error {
	raw, err := types.MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(types.Sync{Payload: raw})
}

// SendLeaderAction broadcasts one leader action. Followers get ErrProtocolViolation.
func (c *Client) SendLeaderAction(payload any) error {
	raw, err := types.MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(types.LeaderAction{Payload: raw})
}

func (c *Client) SendStatus(status types.Status) error {
	return c.send(types.ParticipantStatus{ParticipantID: c.cfg.Identity.ID, Status: status})
}

func (c *Client) send(msg types.Message) error {
	if !types.Permitted(msg.Kind(), c.role) {
		return errors.Wrapf(ErrProtocolViolation, "%s may not send %s", c.role, msg.Kind())
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return errors.Wrapf(transport.ErrTransport, "send %s: no active connection", msg.Kind())
	}
	return ch.Send(msg)
}

// Close stops Run and tears down the current connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s && c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}
