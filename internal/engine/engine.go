package engine

import (
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
)

var ErrNotJoined = errors.New("connection has not joined")
var ErrAlreadyJoined = errors.New("connection already joined")
var ErrInvalidJoin = errors.New("invalid join")
var ErrLeaderTaken = errors.New("leader seat belongs to another participant")
var ErrProtocolViolation = errors.New("message not permitted for sender role")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrSessionEnded = errors.New("session already ended")

type Member struct {
	ConnID      string
	Participant types.Participant
	Role        types.Role
}

type State struct {
	SessionID string
	LeaderID  string // participant id allowed to join as leader
	Members   []Member
	Seq       uint64
	Latest    types.Message // last relayed sync or leader_action, replayed to late joiners
	Ended     bool
	// HadMembers is set by the first join; only a session that was used can
	// expire for being empty.
	HadMembers bool
}

type CommandType string

const (
	CmdMessage    CommandType = "Message"
	CmdDisconnect CommandType = "Disconnect"
	CmdEnd        CommandType = "End"
	CmdExpire     CommandType = "Expire"
)

/*
	CmdMessage(join)               -> EvtEvicted? -> EvtRosterChanged -> EvtDirect (catch-up, followers only)
	CmdMessage(sync|leader_action) -> EvtRelayed (stamped with the next seq)
	CmdMessage(participant_status) -> EvtRelayed, plus EvtRosterChanged when status is "left"
	CmdDisconnect                  -> EvtRosterChanged if the connection had joined
	CmdEnd                         -> EvtSessionEnded
	CmdExpire                      -> EvtSessionEnded if everyone has left, otherwise nothing
*/

type Command struct {
	Type   CommandType
	ConnID string
	Msg    types.Message
	Reason string
}

type EventType string

const (
	EvtRosterChanged EventType = "RosterChanged" // Msg goes to every member
	EvtRelayed       EventType = "Relayed"       // Msg goes to every member except ConnID
	EvtDirect        EventType = "Direct"        // Msg goes to ConnID only
	EvtEvicted       EventType = "Evicted"       // ConnID must be closed with Reason
	EvtSessionEnded  EventType = "SessionEnded"
)

type Event struct {
	Type   EventType
	ConnID string
	Msg    types.Message
	Reason string
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Ended {
		return nil, s, ErrSessionEnded
	}

	switch cmd.Type {
	case CmdMessage:
		if cmd.Msg == nil {
			return nil, s, errors.Wrap(types.ErrMalformed, "nil message")
		}
		if join, ok := cmd.Msg.(types.Join); ok {
			return applyJoin(s, cmd.ConnID, join)
		}

		member, ok := findMember(s, cmd.ConnID)
		if !ok {
			return nil, s, errors.Wrapf(ErrNotJoined, "%s from %s", cmd.Msg.Kind(), cmd.ConnID)
		}
		if !types.Permitted(cmd.Msg.Kind(), member.Role) {
			return nil, s, errors.Wrapf(ErrProtocolViolation, "%s sent %s as %s", member.Participant.ID, cmd.Msg.Kind(), member.Role)
		}

		switch msg := cmd.Msg.(type) {
		case types.Sync, types.LeaderAction:
			newState := s
			newState.Seq++
			h := msg.Meta()
			h.Seq = newState.Seq
			relayed := msg.WithMeta(h)
			newState.Latest = relayed
			return []Event{{Type: EvtRelayed, ConnID: cmd.ConnID, Msg: relayed}}, newState, nil

		case types.ParticipantStatus:
			// Members speak only for themselves.
			msg.ParticipantID = member.Participant.ID
			events := []Event{{Type: EvtRelayed, ConnID: cmd.ConnID, Msg: msg}}
			if msg.Status != types.StatusLeft {
				return events, s, nil
			}
			newState := withoutConn(s, cmd.ConnID)
			events = append(events, rosterEvent(newState))
			return events, newState, nil

		default:
			return nil, s, ErrUnsupportedCommand
		}

	case CmdDisconnect:
		if _, ok := findMember(s, cmd.ConnID); !ok {
			return nil, s, nil
		}
		newState := withoutConn(s, cmd.ConnID)
		return []Event{rosterEvent(newState)}, newState, nil

	case CmdEnd:
		newState := s
		newState.Ended = true
		reason := cmd.Reason
		if reason == "" {
			reason = types.ReasonSessionEnded
		}
		return []Event{{Type: EvtSessionEnded, Reason: reason}}, newState, nil

	case CmdExpire:
		if len(s.Members) > 0 || !s.HadMembers {
			return nil, s, nil
		}
		newState := s
		newState.Ended = true
		return []Event{{Type: EvtSessionEnded, Reason: types.ReasonSessionEnded}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func applyJoin(s State, connID string, join types.Join) ([]Event, State, error) {
	if _, ok := findMember(s, connID); ok {
		return nil, s, errors.Wrapf(ErrAlreadyJoined, "connection %s", connID)
	}
	if err := types.ValidateParticipant(join.Participant); err != nil {
		return nil, s, errors.Mark(err, ErrInvalidJoin)
	}
	if join.Leader && join.Participant.ID != s.LeaderID {
		return nil, s, errors.Wrapf(ErrLeaderTaken, "%s asked to lead", join.Participant.ID)
	}

	events := []Event{}
	newState := s

	// A participant holds one seat: a newer connection replaces the older one.
	for _, m := range s.Members {
		if m.Participant.ID == join.Participant.ID {
			events = append(events, Event{Type: EvtEvicted, ConnID: m.ConnID, Reason: types.ReasonReplaced})
			newState = withoutConn(newState, m.ConnID)
		}
	}

	member := Member{ConnID: connID, Participant: join.Participant, Role: types.RoleOf(join.Leader)}
	newState.Members = append(cloneMembers(newState.Members), member)
	newState.HadMembers = true
	events = append(events, rosterEvent(newState))

	if member.Role == types.RoleFollower && newState.Latest != nil {
		events = append(events, Event{Type: EvtDirect, ConnID: connID, Msg: newState.Latest})
	}
	return events, newState, nil
}
