// Package storage implements the Message/Summary Repository: append-only
// persistence for conversation history and compaction summaries, with an
// in-memory implementation for tests and embedding, a Postgres/CockroachDB
// implementation, and a SQLite implementation for single-node deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

var (
	// ErrNotFound is returned when a lookup finds no matching record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by inserts that collide on a unique key.
	ErrAlreadyExists = errors.New("already exists")
)

// AppendMessageInput carries the fields needed to persist one message;
// Repository.AppendMessage assigns ID and CreatedAt.
type AppendMessageInput struct {
	SessionID  string
	Role       chatmodel.Role
	Content    string
	Parts      []chatmodel.ContentPart
	ToolCalls  []chatmodel.ToolCall
	ToolCallID string
	Reasoning  string
	Metadata   map[string]any
}

// AppendSummaryInput carries a summary record plus the source message ids it
// replaces, persisted atomically with their link rows.
type AppendSummaryInput struct {
	Summary         chatmodel.Summary
	LinkedMessageIDs []string
}

// PendingSummarySession is one entry returned by
// ListSessionsWithPendingSummary: a session whose newest message postdates
// its newest summary cursor.
type PendingSummarySession struct {
	SessionID          string
	NewestMessageAt    time.Time
	NewestSummaryAt    time.Time // zero value if no summary exists yet
}

// Repository is the Message/Summary Repository interface (component A).
// Implementations must preserve insertion order for messages created within
// the same millisecond (fall back to insertion order, never reorder by
// timestamp alone).
type Repository interface {
	// AppendMessage assigns a uuid and RFC3339 creation time and persists the
	// message.
	AppendMessage(ctx context.Context, in AppendMessageInput) (chatmodel.Message, error)

	// GetMessagesBySession returns messages ordered ascending by creation
	// time. limit<=0 means unbounded.
	GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error)

	// GetRecent applies limit to the newest messages (descending order
	// internally) then returns them ascending.
	GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error)

	// GetAfter returns messages strictly newer than cursorCreatedAt, ascending.
	GetAfter(ctx context.Context, sessionID string, cursorCreatedAt time.Time, limit int) ([]chatmodel.Message, error)

	// ListSessionsWithPendingSummary returns sessions whose newest message
	// timestamp exceeds their newest summary cursor, bounded to limit.
	ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]PendingSummarySession, error)

	// AppendSummary persists the summary record and its source-message link
	// rows atomically.
	AppendSummary(ctx context.Context, in AppendSummaryInput) (chatmodel.Summary, error)

	// LatestSummary returns the newest summary for sessionID, or ErrNotFound.
	LatestSummary(ctx context.Context, sessionID string) (chatmodel.Summary, error)

	Close() error
}
