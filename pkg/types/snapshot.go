package types

import (
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var ErrInvalidParticipant = errors.New("types: invalid participant")

var validate = validator.New()

// Participant is one roster entry.
//
//	{ "id": "u-42", "name": "Ruth", "avatar": "https://..." }
type Participant struct {
	ID     string `json:"id" validate:"required,max=128"`
	Name   string `json:"name" validate:"max=256"`
	Avatar string `json:"avatar,omitempty" validate:"omitempty,max=2048"`
}

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
	StatusLeft   Status = "left" // explicit leave
)

// Close reasons sent by the coordination server.
const (
	ReasonSessionEnded = "session ended"
	ReasonSlowConsumer = "slow consumer"
	ReasonReplaced     = "replaced by newer connection"
	ReasonShutdown     = "server shutting down"
	ReasonRateLimited  = "rate limit exceeded"
)

func ValidateParticipant(p Participant) error {
	if err := validate.Struct(p); err != nil {
		return errors.Mark(errors.Wrapf(err, "participant %q", p.ID), ErrInvalidParticipant)
	}
	return nil
}

// CloneRoster copies a roster so callers never share the backing array.
func CloneRoster(ps []Participant) []Participant {
	out := make([]Participant, len(ps))
	copy(out, ps)
	return out
}

// RosterIDs lists participant ids in roster order.
func RosterIDs(ps []Participant) []string {
	return lo.Map(ps, func(p Participant, _ int) string { return p.ID })
}
