// Package store persists a journal of completed editor commands. The
// default implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// Entry is one completed command.
type Entry struct {
	ID        string        `json:"id" yaml:"id"`
	CommandID string        `json:"command_id" yaml:"command_id"`
	Type      string        `json:"type" yaml:"type"`
	Outcome   string        `json:"outcome" yaml:"outcome"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Code      string        `json:"code,omitempty" yaml:"code,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
}

// Journal records command outcomes.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune deletes entries started before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
