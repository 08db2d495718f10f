package hub

import (
	"context"
	"sort"
	"time"

	"github.com/antioch-platform/livesync/internal/engine"
	"github.com/antioch-platform/livesync/internal/room"
	"github.com/antioch-platform/livesync/pkg/types"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

// CreateSession opens a room for ID, or returns the one already open. A room
// that has ended but is still registered is replaced.
type CreateSession struct {
	ID       string
	LeaderID string
	Reply    chan *room.Room
}

type GetSession struct {
	ID    string
	Reply chan *room.Room
}

// EndSession ends the room's session for every member. Reply reports whether
// the session was open.
type EndSession struct {
	ID     string
	Reason string
	Reply  chan bool
}

type ListSessions struct {
	Reply chan []string
}

type RemoveSession struct {
	ID   string
	Room *room.Room
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (EndSession) isHubMsg()    {}
func (ListSessions) isHubMsg()  {}
func (RemoveSession) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

type Options struct {
	Logger     *zap.Logger
	EmptyGrace time.Duration
	// OnEnded runs on the room's goroutine after its session ended, whether
	// by EndSession or because everyone left.
	OnEnded func(sessionID, reason string)
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Send delivers m unless the hub has stopped.
func (h *Hub) Send(m HubMsg) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case <-h.ctx.Done():
		return false
	case h.inbox <- m:
		return true
	}
}

// Get is a convenience wrapper around GetSession. It returns nil for unknown
// sessions and after shutdown.
func (h *Hub) Get(id string) *room.Room {
	reply := make(chan *room.Room, 1)
	if !h.Send(GetSession{ID: id, Reply: reply}) {
		return nil
	}
	select {
	case r := <-reply:
		return r
	case <-h.done:
		return nil
	}
}

func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				if r := h.rooms[msg.ID]; r != nil && !r.Ended() {
					msg.Reply <- r
					break
				}
				initial := engine.NewEmptyState(msg.ID, msg.LeaderID)
				// Start from the clock so seq keeps increasing across restarts
				// and followers' stale-message checks stay valid.
				initial.Seq = uint64(time.Now().UnixMicro())

				var r *room.Room
				r = room.New(h.ctx, initial, room.Options{
					Logger:     h.log,
					EmptyGrace: h.opts.EmptyGrace,
					OnEnded:    func(id, reason string) { h.roomEnded(r, id, reason) },
				})
				h.rooms[msg.ID] = r
				h.log.Info("session opened", zap.String("session", msg.ID), zap.String("leader", msg.LeaderID))
				msg.Reply <- r

			case GetSession:
				msg.Reply <- h.rooms[msg.ID] // May be nil

			case EndSession:
				r := h.rooms[msg.ID]
				if r == nil {
					reply(msg.Reply, false)
					break
				}
				delete(h.rooms, msg.ID)
				reason := msg.Reason
				if reason == "" {
					reason = types.ReasonSessionEnded
				}
				r.Send(room.End{Reason: reason})
				reply(msg.Reply, true)

			case ListSessions:
				ids := make([]string, 0, len(h.rooms))
				for id := range h.rooms {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				msg.Reply <- ids

			case RemoveSession:
				if h.rooms[msg.ID] == msg.Room {
					delete(h.rooms, msg.ID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) roomEnded(r *room.Room, id, reason string) {
	if h.opts.OnEnded != nil {
		h.opts.OnEnded(id, reason)
	}
	// Not inline: the hub may be blocked handing this room a message.
	go h.Send(RemoveSession{ID: id, Room: r})
}

func (h *Hub) shutdown() {
	for _, r := range h.rooms {
		r.Send(room.Shutdown{})
	}
	clear(h.rooms)
	h.cancel()
}

func reply[T any](ch chan T, v T) {
	if ch != nil {
		ch <- v
	}
}
