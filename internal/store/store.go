package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("store: session not found")
var ErrAlreadyExists = errors.New("store: session already exists")

// SessionRecord is the durable side of a live session. Everything that moves
// while the session is live (roster, leader state) stays in memory.
type SessionRecord struct {
	ID        string     `gorm:"primaryKey;size:16" json:"id"`
	LeaderID  string     `gorm:"size:128;not null" json:"leader_id"`
	Title     string     `gorm:"size:256" json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `gorm:"index" json:"ended_at,omitempty"`
}

func (SessionRecord) TableName() string { return "live_sessions" }

func (r SessionRecord) Active() bool { return r.EndedAt == nil }

type SessionRepository interface {
	Create(ctx context.Context, rec SessionRecord) error
	Get(ctx context.Context, id string) (SessionRecord, error)
	// ListActive returns sessions that have not ended, oldest first.
	ListActive(ctx context.Context) ([]SessionRecord, error)
	MarkEnded(ctx context.Context, id string, at time.Time) error
}
