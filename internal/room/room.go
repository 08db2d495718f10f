package room

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antioch-platform/livesync/internal/engine"
	"github.com/antioch-platform/livesync/internal/metrics"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Msg interface{ isRoomMsg() }

type Attach struct {
	Conn *Conn
}

func (Attach) isRoomMsg() {}

type Detach struct{ ConnID string }

func (Detach) isRoomMsg() {}

type FromClient struct {
	ConnID string
	Msg    types.Message
}

func (FromClient) isRoomMsg() {}

type End struct {
	Reason string
}

func (End) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type View struct {
	SessionID       string
	NumConns        int
	Participants    []types.Participant
	LeaderConnected bool
	Seq             uint64
	Ended           bool
}

// Conn is one socket's mailbox. The room is the only writer and closes Outbox
// when it lets go of the connection; CloseReason is readable after that.
type Conn struct {
	ID     string
	out    chan types.Message
	reason string
}

func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{ID: id, out: make(chan types.Message, buffer)}
}

func (c *Conn) Outbox() <-chan types.Message { return c.out }

// CloseReason is empty when the connection detached on its own.
func (c *Conn) CloseReason() string { return c.reason }

func (c *Conn) close(reason string) {
	c.reason = reason
	close(c.out)
}

type Options struct {
	Logger *zap.Logger
	// EmptyGrace is how long a session may sit with nobody joined, after
	// someone has, before it ends on its own.
	EmptyGrace time.Duration
	OnEnded    func(sessionID, reason string)
}

const defaultEmptyGrace = 30 * time.Second

type Room struct {
	inbox   chan Msg
	state   engine.State
	conns   map[string]*Conn
	drops   []string
	clock   *types.Clock
	log     *zap.Logger
	onEnded func(sessionID, reason string)
	grace   time.Duration
	idle    *time.Timer
	ended   atomic.Bool
	reason  string
	sendMu  sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(parent context.Context, initial engine.State, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.EmptyGrace <= 0 {
		opts.EmptyGrace = defaultEmptyGrace
	}

	r := &Room{
		inbox:   make(chan Msg, 64),
		state:   initial,
		conns:   make(map[string]*Conn),
		clock:   types.NewClock(nil),
		log:     log.With(zap.String("session", initial.SessionID)),
		onEnded: opts.OnEnded,
		grace:   opts.EmptyGrace,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	metrics.SessionOpened()
	go r.loop()
	return r
}

func (r *Room) ID() string { return r.state.SessionID }

// Send delivers m to the room, blocking while the inbox is full. It returns
// false once the room has stopped. A message accepted here is always handled,
// even if the room stops right after.
func (r *Room) Send(m Msg) bool {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.stopped || r.ctx.Err() != nil {
		return false
	}
	select {
	case <-r.ctx.Done():
		return false
	case r.inbox <- m:
		return true
	}
}

func (r *Room) Ended() bool           { return r.ended.Load() }
func (r *Room) Done() <-chan struct{} { return r.done }

// Inbox is exposed for tests and the hub.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	defer close(r.done)
	defer metrics.SessionClosed()
	defer r.disarmIdle()
	defer r.drain()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown(types.ReasonShutdown)
			return

		case <-r.idleC():
			r.idle = nil
			r.log.Info("session empty, expiring")
			r.apply(engine.Command{Type: engine.CmdExpire})
			if r.state.Ended {
				r.finish()
				return
			}

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				r.conns[msg.Conn.ID] = msg.Conn
				metrics.ClientAttached()

			case Detach:
				conn, ok := r.conns[msg.ConnID]
				if !ok {
					break
				}
				r.release(conn, "")
				r.apply(engine.Command{Type: engine.CmdDisconnect, ConnID: msg.ConnID})

			case FromClient:
				if _, ok := r.conns[msg.ConnID]; !ok {
					break
				}
				r.apply(engine.Command{Type: engine.CmdMessage, ConnID: msg.ConnID, Msg: msg.Msg})

			case End:
				r.apply(engine.Command{Type: engine.CmdEnd, Reason: msg.Reason})

			case GetState:
				msg.Reply <- View{
					SessionID:       r.state.SessionID,
					NumConns:        len(r.conns),
					Participants:    engine.Roster(r.state),
					LeaderConnected: engine.LeaderConnected(r.state),
					Seq:             r.state.Seq,
					Ended:           r.state.Ended,
				}

			case Shutdown:
				r.shutdown(types.ReasonShutdown)
				return
			}

			if r.state.Ended {
				r.finish()
				return
			}
		}
	}
}

func (r *Room) apply(cmd engine.Command) {
	events, newState, err := engine.Apply(r.state, cmd)
	if err != nil {
		r.reject(cmd, err)
		return
	}
	r.state = newState
	r.emit(events)

	// Slow clients dropped while emitting leave the roster afterwards so the
	// original fan-out completes first.
	for len(r.drops) > 0 && !r.state.Ended {
		id := r.drops[0]
		r.drops = r.drops[1:]
		events, newState, err := engine.Apply(r.state, engine.Command{Type: engine.CmdDisconnect, ConnID: id})
		if err != nil {
			r.log.Error("failed to remove dropped client", zap.String("conn", id), zap.Error(err))
			continue
		}
		r.state = newState
		r.emit(events)
	}
	r.drops = nil
	r.watchIdle()
}

// watchIdle arms the expiry timer while a used session has no members and
// disarms it as soon as someone joins.
func (r *Room) watchIdle() {
	empty := len(r.state.Members) == 0 && r.state.HadMembers && !r.state.Ended
	switch {
	case empty && r.idle == nil:
		r.idle = time.NewTimer(r.grace)
	case !empty:
		r.disarmIdle()
	}
}

func (r *Room) disarmIdle() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
}

func (r *Room) idleC() <-chan time.Time {
	if r.idle == nil {
		return nil
	}
	return r.idle.C
}

func (r *Room) reject(cmd engine.Command, err error) {
	kind := "none"
	if cmd.Msg != nil {
		kind = string(cmd.Msg.Kind())
	}
	reason := "invalid"
	switch {
	case errors.Is(err, engine.ErrProtocolViolation):
		reason = "role"
	case errors.Is(err, engine.ErrLeaderTaken):
		reason = "leader_taken"
	case errors.Is(err, engine.ErrNotJoined):
		reason = "not_joined"
	case errors.Is(err, engine.ErrAlreadyJoined):
		reason = "already_joined"
	}
	metrics.Rejected(kind, reason)
	r.log.Warn("dropping message",
		zap.String("conn", cmd.ConnID),
		zap.String("kind", kind),
		zap.Error(err),
	)
}

func (r *Room) emit(events []engine.Event) {
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtRosterChanged:
			r.broadcast(r.stamp(ev.Msg), "")
		case engine.EvtRelayed:
			r.broadcast(ev.Msg, ev.ConnID)
			metrics.Relayed(string(ev.Msg.Kind()))
		case engine.EvtDirect:
			if conn, ok := r.conns[ev.ConnID]; ok {
				r.deliver(conn, ev.Msg)
			}
		case engine.EvtEvicted:
			if conn, ok := r.conns[ev.ConnID]; ok {
				r.log.Info("replacing connection", zap.String("conn", ev.ConnID))
				r.release(conn, ev.Reason)
			}
		case engine.EvtSessionEnded:
			r.log.Info("session ended", zap.String("reason", ev.Reason))
			r.shutdown(ev.Reason)
		}
	}
}

// broadcast sends msg to every joined member except the one on skip.
func (r *Room) broadcast(msg types.Message, skip string) {
	for _, m := range r.state.Members {
		if m.ConnID == skip {
			continue
		}
		if conn, ok := r.conns[m.ConnID]; ok {
			r.deliver(conn, msg)
		}
	}
}

func (r *Room) deliver(conn *Conn, msg types.Message) {
	select {
	case conn.out <- msg:
		// ok
	default:
		// Client is slow/full - drop them.
		r.log.Warn("dropping slow client", zap.String("conn", conn.ID))
		metrics.SlowClientDropped()
		r.release(conn, types.ReasonSlowConsumer)
		r.drops = append(r.drops, conn.ID)
	}
}

func (r *Room) stamp(msg types.Message) types.Message {
	h := msg.Meta()
	if h.Timestamp == 0 {
		h.Timestamp = r.clock.Next()
	}
	return msg.WithMeta(h)
}

func (r *Room) release(conn *Conn, reason string) {
	delete(r.conns, conn.ID)
	conn.close(reason)
	metrics.ClientDetached()
}

func (r *Room) shutdown(reason string) {
	r.reason = reason
	for _, conn := range r.conns {
		r.release(conn, reason)
	}
	r.ended.Store(true)
	r.cancel()
}

// drain refuses further sends and settles whatever was queued behind the
// message that stopped the room. Every attached Conn ends up closed.
func (r *Room) drain() {
	// A Send blocked on a full inbox sees ctx done and releases the read lock.
	r.cancel()
	r.sendMu.Lock()
	r.stopped = true
	r.sendMu.Unlock()

	reason := r.reason
	if reason == "" {
		reason = types.ReasonShutdown
	}
	for {
		select {
		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				msg.Conn.close(reason)
			case GetState:
				select {
				case msg.Reply <- View{SessionID: r.state.SessionID, Seq: r.state.Seq, Ended: true}:
				default:
				}
			}
		default:
			return
		}
	}
}

func (r *Room) finish() {
	if r.onEnded != nil {
		r.onEnded(r.state.SessionID, r.reason)
	}
}
