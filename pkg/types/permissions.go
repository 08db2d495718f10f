package types

import "github.com/samber/lo"

type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

func RoleOf(leader bool) Role {
	if leader {
		return RoleLeader
	}
	return RoleFollower
}

// Senders lists, per kind, which participant roles may emit it.
// participants is absent on purpose: only the server emits roster snapshots.
var Senders = map[Kind][]Role{
	KindJoin:              {RoleLeader, RoleFollower},
	KindSync:              {RoleLeader},
	KindLeaderAction:      {RoleLeader},
	KindParticipantStatus: {RoleLeader, RoleFollower},
}

// Permitted reports whether a participant holding role may send kind.
func Permitted(kind Kind, role Role) bool {
	return lo.Contains(Senders[kind], role)
}
