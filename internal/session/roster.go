package session

import (
	"sync"

	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/samber/lo"
)

// Roster is the last roster snapshot the server delivered. Callers only read
// it; the dispatcher is the sole writer.
type Roster struct {
	mu      sync.RWMutex
	members []types.Participant
	byID    map[string]types.Participant
}

func newRoster() *Roster {
	return &Roster{
		members: []types.Participant{},
		byID:    map[string]types.Participant{},
	}
}

// replace swaps in a server snapshot wholesale. Nothing is merged.
func (r *Roster) replace(snapshot []types.Participant) {
	members := types.CloneRoster(snapshot)
	byID := lo.KeyBy(members, func(p types.Participant) string { return p.ID })

	r.mu.Lock()
	r.members = members
	r.byID = byID
	r.mu.Unlock()
}

func (r *Roster) List() []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.CloneRoster(r.members)
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Roster) Get(id string) (types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *Roster) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}
