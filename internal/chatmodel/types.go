// Package chatmodel defines the data model shared across the repository,
// provider client, tool registry, compaction, and turn orchestrator
// components (spec.md §3). It is the typed seam these components pass
// values through; raw JSON is preserved where the source treats a field as
// pass-through (tool arguments, tool result content, metadata).
package chatmodel

import (
	"encoding/json"
	"time"
)

// Role is a message's author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType discriminates a typed content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one ordered element of a message's content. Exactly one of
// Text or (URL/FileID) is meaningful, selected by Type.
type ContentPart struct {
	Type   PartType `json:"type"`
	Text   string   `json:"text,omitempty"`
	URL    string   `json:"url,omitempty"`
	FileID string   `json:"file_id,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// ToolCall is one function-call request emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON argument string, pass-through
}

// Message is the unit of conversation history (spec.md §3 "Message").
type Message struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Role          Role              `json:"role"`
	Content       string            `json:"content,omitempty"`
	Parts         []ContentPart     `json:"parts,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
	ToolCalls     []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID    string            `json:"tool_call_id,omitempty"` // set when Role==RoleTool
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// HasToolCalls reports whether this is an assistant message carrying one or
// more tool calls.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// EstimateSize returns an approximate serialized-character count used by the
// token-estimation heuristic: content, parts text, reasoning, and tool-call
// JSON all contribute.
func (m Message) EstimateSize() int {
	n := len(m.Content) + len(m.Reasoning)
	for _, p := range m.Parts {
		n += len(p.Text) + len(p.URL) + len(p.FileID)
	}
	for _, tc := range m.ToolCalls {
		n += len(tc.ID) + len(tc.Name) + len(tc.Arguments)
	}
	return n
}

// CompressionStats describes how a bisect_v1 run produced a summary.
type CompressionStats struct {
	Algorithm    string  `json:"algorithm"` // always "bisect_v1"
	ChunkCount   int     `json:"chunk_count"`
	MaxDepth     int     `json:"max_depth"`
	Truncated    bool    `json:"truncated"`
	Ratio        float64 `json:"ratio"` // out_tokens / in_tokens
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Summary is a persisted compaction result (spec.md §3 "Summary record").
type Summary struct {
	ID                     string            `json:"id"`
	SessionID              string            `json:"session_id"`
	Text                   string            `json:"text"`
	Model                  string            `json:"model"`
	Temperature            float64           `json:"temperature"`
	TargetOutputTokens     int               `json:"target_output_tokens"`
	KeepLastN              int               `json:"keep_last_n"`
	SourceMessageCount     int               `json:"source_message_count"`
	SourceApproxTokens     int               `json:"source_approx_tokens"`
	FirstMessageID         string            `json:"first_message_id"`
	LastMessageID          string            `json:"last_message_id"`
	FirstMessageCreatedAt  time.Time         `json:"first_message_created_at"`
	LastMessageCreatedAt   time.Time         `json:"last_message_created_at"`
	Stats                  CompressionStats  `json:"stats"`
	CreatedAt              time.Time         `json:"created_at"`
}

// Valid checks the summary's ordering invariant.
func (s Summary) Valid() bool {
	return !s.LastMessageCreatedAt.Before(s.FirstMessageCreatedAt)
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsError reports whether metadata carries the conventional error marker.
func (r ToolResult) IsError() bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata["error"]
	return ok && v == true
}

// RawJSON is a convenience for fields the source treats as opaque pass-through.
type RawJSON = json.RawMessage
