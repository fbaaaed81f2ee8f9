// Package store keeps terminal records of ended sessions so a session's
// outcome stays queryable after its live record is gone.
package store

import (
	"context"
	"time"
)

// Record is the final state of one session.
type Record struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	Interactive bool      `json:"interactive"`
	Reason      string    `json:"reason"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	EndedAt     time.Time `json:"endedAt"`
}

// Store persists session records. Get returns a NotFound error for unknown
// ids. List returns at most limit records, most recently ended first.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}
