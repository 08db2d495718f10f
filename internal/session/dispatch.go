package session

import (
	"encoding/json"

	"github.com/antioch-platform/livesync/pkg/types"
	"go.uber.org/zap"
)

// Callbacks are invoked from the transport's delivery goroutine, one at a
// time, in delivery order. Any of them may be nil.
type Callbacks struct {
	// OnSync receives the leader's state from sync and leader_action messages.
	// It is never invoked for a leader.
	OnSync              func(kind types.Kind, payload json.RawMessage)
	OnParticipants      func(roster []types.Participant)
	OnParticipantStatus func(status types.ParticipantStatus)
	OnStateChange       func(state State)
}

// Dispatcher routes inbound protocol messages by variant and local role.
type Dispatcher struct {
	role    types.Role
	roster  *Roster
	cb      Callbacks
	log     *zap.Logger
	lastSeq uint64
}

func NewDispatcher(role types.Role, roster *Roster, cb Callbacks, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if roster == nil {
		roster = newRoster()
	}
	return &Dispatcher{role: role, roster: roster, cb: cb, log: log}
}

func (d *Dispatcher) Roster() *Roster { return d.roster }

func (d *Dispatcher) Dispatch(msg types.Message) {
	switch m := msg.(type) {
	case types.Sync:
		d.applyLeaderState(m.Kind(), m.Seq, m.Payload)

	case types.LeaderAction:
		d.applyLeaderState(m.Kind(), m.Seq, m.Payload)

	case types.Participants:
		d.roster.replace(m.Participants)
		if d.cb.OnParticipants != nil {
			d.cb.OnParticipants(d.roster.List())
		}

	case types.ParticipantStatus:
		if d.cb.OnParticipantStatus != nil {
			d.cb.OnParticipantStatus(m)
		}

	case types.Join:
		// Clients send join, they never receive one.
		d.log.Warn("dropping out-of-role message",
			zap.String("kind", string(m.Kind())),
			zap.String("participant", m.Participant.ID))

	default:
		d.log.Warn("dropping unsupported message", zap.Any("message", msg))
	}
}

func (d *Dispatcher) applyLeaderState(kind types.Kind, seq uint64, payload json.RawMessage) {
	if d.role == types.RoleLeader {
		// The leader is authoritative; applying an echo would loop.
		d.log.Debug("leader ignores relayed state", zap.String("kind", string(kind)), zap.Uint64("seq", seq))
		return
	}
	if seq != 0 {
		if seq <= d.lastSeq {
			d.log.Debug("dropping stale leader message",
				zap.String("kind", string(kind)),
				zap.Uint64("seq", seq),
				zap.Uint64("last_seq", d.lastSeq))
			return
		}
		d.lastSeq = seq
	}
	if d.cb.OnSync != nil {
		d.cb.OnSync(kind, payload)
	}
}
