package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antioch-platform/livesync/internal/hub"
	"github.com/antioch-platform/livesync/internal/session"
	"github.com/antioch-platform/livesync/internal/store"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	*httptest.Server
	repo *store.MemoryRepository
	hub  *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zaptest.NewLogger(t)
	repo := store.NewMemoryRepository()
	h := hub.NewHub(ctx, hub.Options{Logger: log})
	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, Repo: repo, Logger: log}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo, hub: h}
}

func (s *testServer) do(t *testing.T, method, path, reqBody string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(reqBody))
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (s *testServer) createSession(t *testing.T, leaderID string) store.SessionRecord {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/sessions", `{"leader_id":"`+leaderID+`","title":"Ruth, chapter 1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var rec store.SessionRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	require.Len(t, rec.ID, 6)
	return rec
}

func TestCreateSession_Validates(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct{ name, body string }{
		{name: "bad json", body: `{`},
		{name: "missing leader", body: `{"title":"x"}`},
		{name: "title too long", body: `{"leader_id":"u1","title":"` + strings.Repeat("x", 300) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := srv.do(t, http.MethodPost, "/sessions", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.createSession(t, "u-naomi")

	resp, body := srv.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []store.SessionRecord
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	require.Equal(t, rec.ID, listed[0].ID)

	resp, body = srv.do(t, http.MethodGet, "/sessions/"+rec.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"live":{"participants":[]`)

	resp, _ = srv.do(t, http.MethodDelete, "/sessions/"+rec.ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodDelete, "/sessions/"+rec.ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := srv.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.Active())

	resp, _ = srv.do(t, http.MethodGet, "/sessions/NOPE00", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodGet, "/sessions/"+rec.ID+"/ws", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "ended sessions refuse sockets")
}

func TestRestoreSessions(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.repo.Create(context.Background(), store.SessionRecord{ID: "OLD001", LeaderID: "u1"}))

	n, err := RestoreSessions(context.Background(), srv.hub, srv.repo)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotNil(t, srv.hub.Get("OLD001"))
}

type participantEvents struct {
	syncs   chan json.RawMessage
	rosters chan []types.Participant
	states  chan session.State
}

func newParticipantEvents() *participantEvents {
	return &participantEvents{
		syncs:   make(chan json.RawMessage, 16),
		rosters: make(chan []types.Participant, 16),
		states:  make(chan session.State, 16),
	}
}

func (e *participantEvents) callbacks() session.Callbacks {
	return session.Callbacks{
		OnSync:         func(_ types.Kind, p json.RawMessage) { e.syncs <- p },
		OnParticipants: func(ps []types.Participant) { e.rosters <- ps },
		OnStateChange:  func(s session.State) { e.states <- s },
	}
}

// waitRoster returns the first roster snapshot with n members.
func (e *participantEvents) waitRoster(t *testing.T, n int) []types.Participant {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ps := <-e.rosters:
			if len(ps) == n {
				return ps
			}
		case <-deadline:
			t.Fatalf("no roster with %d members", n)
			return nil
		}
	}
}

func startClient(t *testing.T, endpoint string, p types.Participant, leader bool, ev *participantEvents) (*session.Client, <-chan error) {
	t.Helper()
	c, err := session.New(session.Config{Endpoint: endpoint, Identity: p, Leader: leader}, ev.callbacks(), zaptest.NewLogger(t))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })
	return c, done
}

func TestLiveSession_LeaderActionReachesFollowerExactlyOnce(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.createSession(t, "u-naomi")
	endpoint, err := session.Endpoint(srv.URL, rec.ID)
	require.NoError(t, err)

	naomi := types.Participant{ID: "u-naomi", Name: "Naomi"}
	ruth := types.Participant{ID: "u-ruth", Name: "Ruth"}

	leaderEv, followerEv := newParticipantEvents(), newParticipantEvents()
	leader, leaderDone := startClient(t, endpoint, naomi, true, leaderEv)
	leaderEv.waitRoster(t, 1)
	follower, followerDone := startClient(t, endpoint, ruth, false, followerEv)

	require.Equal(t, []types.Participant{naomi, ruth}, followerEv.waitRoster(t, 2))
	require.Equal(t, []types.Participant{naomi, ruth}, leaderEv.waitRoster(t, 2))

	require.NoError(t, leader.SendLeaderAction(map[string]int{"page": 5}))

	select {
	case p := <-followerEv.syncs:
		require.JSONEq(t, `{"page":5}`, string(p))
	case <-time.After(3 * time.Second):
		t.Fatalf("follower never applied the leader action")
	}

	// A follower may not steer; the session keeps going.
	err = follower.SendLeaderAction(map[string]int{"page": 99})
	require.True(t, errors.Is(err, session.ErrProtocolViolation))
	require.NoError(t, follower.SendStatus(types.StatusAway))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, followerEv.syncs, "applied exactly once")
	require.Empty(t, leaderEv.syncs, "the leader never re-applies its own state")
	require.Equal(t, ruth, follower.Roster().List()[1])

	resp, _ := srv.do(t, http.MethodDelete, "/sessions/"+rec.ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	for _, done := range []<-chan error{leaderDone, followerDone} {
		select {
		case err := <-done:
			require.True(t, errors.Is(err, session.ErrSessionEnded), "got %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("client did not observe the end of the session")
		}
	}
}

func TestLiveSession_LateFollowerCatchesUp(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.createSession(t, "u-naomi")
	endpoint, err := session.Endpoint(srv.URL, rec.ID)
	require.NoError(t, err)

	leaderEv := newParticipantEvents()
	leader, _ := startClient(t, endpoint, types.Participant{ID: "u-naomi", Name: "Naomi"}, true, leaderEv)
	leaderEv.waitRoster(t, 1)
	require.NoError(t, leader.SendSync(map[string]any{"page": 3, "verse": "1:16"}))

	followerEv := newParticipantEvents()
	startClient(t, endpoint, types.Participant{ID: "u-boaz", Name: "Boaz"}, false, followerEv)

	select {
	case p := <-followerEv.syncs:
		require.JSONEq(t, `{"page":3,"verse":"1:16"}`, string(p))
	case <-time.After(3 * time.Second):
		t.Fatalf("late follower never received the current state")
	}
}
