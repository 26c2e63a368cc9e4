package models

import (
	"context"
	"time"
)

// LogEvent is one line of build output for a project. Sequence numbers
// strictly increase per project.
type LogEvent struct {
	Project   string    `json:"project"`
	Sequence  int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogStore is the durable append-only log behind the broadcaster.
type LogStore interface {
	AppendLog(ctx context.Context, event LogEvent) error
	// ReadLogs returns events with a sequence number greater than afterSeq in order.
	ReadLogs(ctx context.Context, project string, afterSeq int64) ([]LogEvent, error)
	LastSequence(ctx context.Context, project string) (int64, error)
	ResetLogs(ctx context.Context, project string) error
}
