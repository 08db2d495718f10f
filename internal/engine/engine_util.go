package engine

import (
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/samber/lo"
)

func NewEmptyState(sessionID, leaderID string) State {
	return State{
		SessionID: sessionID,
		LeaderID:  leaderID,
		Members:   []Member{},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// Roster lists members in join order.
func Roster(s State) []types.Participant {
	return lo.Map(s.Members, func(m Member, _ int) types.Participant { return m.Participant })
}

func LeaderConnected(s State) bool {
	return lo.ContainsBy(s.Members, func(m Member) bool { return m.Role == types.RoleLeader })
}

func findMember(s State, connID string) (Member, bool) {
	return lo.Find(s.Members, func(m Member) bool { return m.ConnID == connID })
}

func withoutConn(s State, connID string) State {
	s.Members = lo.Filter(s.Members, func(m Member, _ int) bool { return m.ConnID != connID })
	return s
}

func cloneMembers(ms []Member) []Member {
	out := make([]Member, len(ms), len(ms)+1)
	copy(out, ms)
	return out
}

func rosterEvent(s State) Event {
	return Event{Type: EvtRosterChanged, Msg: types.Participants{Participants: Roster(s)}}
}
