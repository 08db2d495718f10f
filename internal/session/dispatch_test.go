package session

import (
	"encoding/json"
	"testing"

	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	syncs    []json.RawMessage
	rosters  [][]types.Participant
	statuses []types.ParticipantStatus
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSync:              func(_ types.Kind, p json.RawMessage) { r.syncs = append(r.syncs, p) },
		OnParticipants:      func(ps []types.Participant) { r.rosters = append(r.rosters, ps) },
		OnParticipantStatus: func(s types.ParticipantStatus) { r.statuses = append(r.statuses, s) },
	}
}

func ruth() types.Participant { return types.Participant{ID: "u-ruth", Name: "Ruth"} }
func boaz() types.Participant { return types.Participant{ID: "u-boaz", Name: "Boaz"} }
func naomi() types.Participant {
	return types.Participant{ID: "u-naomi", Name: "Naomi", Avatar: "https://cdn/naomi.png"}
}

func TestDispatcher_FollowerAppliesLeaderActionExactlyOnce(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(types.RoleFollower, nil, rec.callbacks(), zaptest.NewLogger(t))

	d.Dispatch(types.LeaderAction{Header: types.Header{Seq: 1}, Payload: json.RawMessage(`{"page":5}`)})

	require.Len(t, rec.syncs, 1)
	require.JSONEq(t, `{"page":5}`, string(rec.syncs[0]))
}

func TestDispatcher_LeaderNeverAppliesRelayedState(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(types.RoleLeader, nil, rec.callbacks(), zaptest.NewLogger(t))

	d.Dispatch(types.Sync{Header: types.Header{Seq: 1}, Payload: json.RawMessage(`{"page":1}`)})
	d.Dispatch(types.LeaderAction{Header: types.Header{Seq: 2}, Payload: json.RawMessage(`{"page":2}`)})
	d.Dispatch(types.Sync{Payload: json.RawMessage(`{"page":3}`)})

	require.Empty(t, rec.syncs)
}

func TestDispatcher_DropsStaleSequence(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(types.RoleFollower, nil, rec.callbacks(), zaptest.NewLogger(t))

	d.Dispatch(types.Sync{Header: types.Header{Seq: 4}, Payload: json.RawMessage(`{"page":4}`)})
	// Catch-up replay of the same state after a reconnect.
	d.Dispatch(types.Sync{Header: types.Header{Seq: 4}, Payload: json.RawMessage(`{"page":4}`)})
	d.Dispatch(types.LeaderAction{Header: types.Header{Seq: 3}, Payload: json.RawMessage(`{"page":3}`)})
	d.Dispatch(types.LeaderAction{Header: types.Header{Seq: 5}, Payload: json.RawMessage(`{"page":5}`)})
	// Unsequenced messages are never deduplicated.
	d.Dispatch(types.LeaderAction{Payload: json.RawMessage(`{"page":6}`)})

	require.Len(t, rec.syncs, 3)
	require.JSONEq(t, `{"page":4}`, string(rec.syncs[0]))
	require.JSONEq(t, `{"page":5}`, string(rec.syncs[1]))
	require.JSONEq(t, `{"page":6}`, string(rec.syncs[2]))
}

func TestDispatcher_RosterSnapshotsReplace(t *testing.T) {
	cases := []struct {
		name     string
		before   []types.Participant
		snapshot []types.Participant
	}{
		{
			name:     "first snapshot",
			before:   nil,
			snapshot: []types.Participant{ruth(), boaz()},
		},
		{
			name:     "smaller snapshot removes members",
			before:   []types.Participant{ruth(), boaz(), naomi()},
			snapshot: []types.Participant{naomi()},
		},
		{
			name:     "disjoint snapshot is not merged",
			before:   []types.Participant{ruth()},
			snapshot: []types.Participant{boaz(), naomi()},
		},
		{
			name:     "empty snapshot clears",
			before:   []types.Participant{ruth(), boaz()},
			snapshot: []types.Participant{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			d := NewDispatcher(types.RoleFollower, nil, rec.callbacks(), zaptest.NewLogger(t))
			if tc.before != nil {
				d.Dispatch(types.Participants{Participants: tc.before})
			}

			d.Dispatch(types.Participants{Participants: tc.snapshot})

			require.Equal(t, tc.snapshot, d.Roster().List())
			require.Equal(t, len(tc.snapshot), d.Roster().Len())
			require.Equal(t, tc.snapshot, rec.rosters[len(rec.rosters)-1])
			for _, p := range tc.before {
				if !containsID(tc.snapshot, p.ID) {
					require.False(t, d.Roster().Contains(p.ID), "%s should be gone", p.ID)
				}
			}
		})
	}
}

func TestDispatcher_RosterIsACopy(t *testing.T) {
	d := NewDispatcher(types.RoleFollower, nil, Callbacks{}, zaptest.NewLogger(t))
	snapshot := []types.Participant{ruth(), naomi()}
	d.Dispatch(types.Participants{Participants: snapshot})

	snapshot[0].Name = "mutated"
	listed := d.Roster().List()
	listed[1].Name = "mutated too"

	got, ok := d.Roster().Get("u-ruth")
	require.True(t, ok)
	require.Equal(t, "Ruth", got.Name)
	got, _ = d.Roster().Get("u-naomi")
	require.Equal(t, "Naomi", got.Name)
}

func TestDispatcher_ForwardsStatusAndDropsJoin(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(types.RoleLeader, nil, rec.callbacks(), zaptest.NewLogger(t))

	d.Dispatch(types.ParticipantStatus{ParticipantID: "u-boaz", Status: types.StatusIdle})
	d.Dispatch(types.Join{Participant: boaz()})

	require.Equal(t, []types.ParticipantStatus{{ParticipantID: "u-boaz", Status: types.StatusIdle}}, rec.statuses)
	require.Empty(t, rec.syncs)
	require.Empty(t, rec.rosters)
	require.Zero(t, d.Roster().Len())
}

func containsID(ps []types.Participant, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}
