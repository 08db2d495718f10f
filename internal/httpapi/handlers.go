package httpapi

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"time"

	"github.com/antioch-platform/livesync/internal/hub"
	"github.com/antioch-platform/livesync/internal/room"
	"github.com/antioch-platform/livesync/internal/store"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxCodeAttempts = 5

var validate = validator.New()

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createSessionRequest struct {
	LeaderID string `json:"leader_id" validate:"required,max=128"`
	Title    string `json:"title" validate:"max=256"`
}

type sessionResponse struct {
	store.SessionRecord
	Live *liveView `json:"live,omitempty"`
}

type liveView struct {
	Participants    []types.Participant `json:"participants"`
	LeaderConnected bool                `json:"leader_connected"`
	Seq             uint64              `json:"seq"`
}

func CreateSession(h *hub.Hub, repo store.SessionRepository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := types.Codec.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var rec store.SessionRecord
		for attempt := 1; ; attempt++ {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to generate code")
				return
			}
			rec = store.SessionRecord{ID: code, LeaderID: req.LeaderID, Title: req.Title, CreatedAt: time.Now().UTC()}
			err = repo.Create(r.Context(), rec)
			if err == nil {
				break
			}
			if !errors.Is(err, store.ErrAlreadyExists) || attempt == maxCodeAttempts {
				log.Error("failed to store session", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to create session")
				return
			}
			log.Info("collision on code, regenerating", zap.String("code", code))
		}

		if openRoom(h, rec) == nil {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		log.Info("session created", zap.String("session", rec.ID), zap.String("leader", rec.LeaderID))
		writeJSON(w, http.StatusCreated, rec)
	}
}

func ListSessions(repo store.SessionRepository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := repo.ListActive(r.Context())
		if err != nil {
			log.Error("failed to list sessions", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func GetSession(h *hub.Hub, repo store.SessionRepository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookup(w, r, repo, log)
		if !ok {
			return
		}

		resp := sessionResponse{SessionRecord: rec}
		if rm := h.Get(rec.ID); rm != nil {
			if view, ok := roomView(r.Context(), rm); ok {
				resp.Live = &liveView{
					Participants:    view.Participants,
					LeaderConnected: view.LeaderConnected,
					Seq:             view.Seq,
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// EndSession closes every socket of the session with "session ended" and
// marks the record ended. Ending twice is not an error.
func EndSession(h *hub.Hub, repo store.SessionRepository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookup(w, r, repo, log)
		if !ok {
			return
		}

		reply := make(chan bool, 1)
		if h.Send(hub.EndSession{ID: rec.ID, Reason: types.ReasonSessionEnded, Reply: reply}) {
			<-reply
		}
		if err := repo.MarkEnded(r.Context(), rec.ID, time.Now()); err != nil {
			log.Error("failed to mark session ended", zap.String("session", rec.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to end session")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// RestoreSessions reopens rooms for every session the repository still
// considers active, so clients can reconnect after a restart.
func RestoreSessions(ctx context.Context, h *hub.Hub, repo store.SessionRepository) (int, error) {
	recs, err := repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if openRoom(h, rec) == nil {
			return 0, errors.New("hub stopped while restoring sessions")
		}
	}
	return len(recs), nil
}

func openRoom(h *hub.Hub, rec store.SessionRecord) *room.Room {
	reply := make(chan *room.Room, 1)
	if !h.Send(hub.CreateSession{ID: rec.ID, LeaderID: rec.LeaderID, Reply: reply}) {
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.Done():
		return nil
	}
}

func roomView(ctx context.Context, rm *room.Room) (room.View, bool) {
	reply := make(chan room.View, 1)
	if !rm.Send(room.GetState{Reply: reply}) {
		return room.View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-rm.Done():
		return room.View{}, false
	case <-ctx.Done():
		return room.View{}, false
	}
}

func lookup(w http.ResponseWriter, r *http.Request, repo store.SessionRepository, log *zap.Logger) (store.SessionRecord, bool) {
	rec, err := repo.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return rec, false
	case err != nil:
		log.Error("failed to load session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return rec, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = types.Codec.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
