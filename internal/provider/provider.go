// Package provider defines the normalized provider-client abstraction
// (spec.md §4.B): one streaming operation whose events are the same shape
// regardless of which upstream model API produced them, plus the two wire
// shapes (chat-style and response-style) turn orchestration assembles
// requests into.
package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// Request is what the orchestrator hands to a provider client.
type Request struct {
	Model              string
	Messages           []chatmodel.Message
	Tools              []ToolSpec
	Temperature        float64
	MaxTokens          int
	Reasoning          bool
	PreviousResponseID string // response-style stateful chaining
}

// ToolSpec describes one callable tool's schema, as the provider needs it
// for function-calling.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// EventKind discriminates a streamed Event.
type EventKind string

const (
	EventContentDelta  EventKind = "content_delta"
	EventReasoningDelta EventKind = "reasoning_delta"
	EventToolCallPiece EventKind = "tool_call_piece"
	EventFinish        EventKind = "finish"
	EventUsage         EventKind = "usage"
)

// ToolCallPiece is one incremental fragment of a streamed tool call,
// addressed by Index; Name/Arguments are appended across pieces sharing the
// same Index.
type ToolCallPiece struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Event is a normalized provider stream event. Exactly the field(s)
// matching Kind are meaningful.
type Event struct {
	Kind             EventKind
	ContentChunk     string
	ReasoningChunk   string
	ToolCallPiece    ToolCallPiece
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Client is the one-operation provider abstraction.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// MergeToolCallDeltas consumes an ordered sequence of tool-call pieces
// (as they arrive across a stream) and merges them by Index, concatenating
// Name and Arguments, returning a stable index-sorted final list. This is
// the "merge streamed tool-call deltas by index" requirement of spec §4.B.
func MergeToolCallDeltas(pieces []ToolCallPiece) []chatmodel.ToolCall {
	byIndex := make(map[int]*chatmodel.ToolCall)
	var order []int
	for _, p := range pieces {
		tc, ok := byIndex[p.Index]
		if !ok {
			tc = &chatmodel.ToolCall{}
			byIndex[p.Index] = tc
			order = append(order, p.Index)
		}
		if p.ID != "" {
			tc.ID = p.ID
		}
		tc.Name += p.Name
		tc.Arguments += p.Arguments
	}
	sort.Ints(order)
	out := make([]chatmodel.ToolCall, 0, len(order))
	for _, idx := range order {
		out = append(out, *byIndex[idx])
	}
	return out
}

// ToolCallAccumulator collects ToolCallPiece events off a live stream and
// exposes the merged result once the stream finishes.
type ToolCallAccumulator struct {
	pieces []ToolCallPiece
}

// Add records one piece.
func (a *ToolCallAccumulator) Add(p ToolCallPiece) {
	a.pieces = append(a.pieces, p)
}

// Finish returns the merged, index-sorted tool calls.
func (a *ToolCallAccumulator) Finish() []chatmodel.ToolCall {
	return MergeToolCallDeltas(a.pieces)
}

// Summarize drives a single non-streaming-shaped turn through any Client to
// produce a summary: a system message plus the rendered input, with
// content deltas concatenated into the final text. This is the seam that
// lets the Anthropic, OpenAI, Bedrock and Gemini clients satisfy compaction's
// SummaryLlmClient interface without a second, summary-specific SDK call
// path.
func Summarize(ctx context.Context, client Client, systemPrompt, input, model string, temperature float64) (string, error) {
	events, err := client.Stream(ctx, Request{
		Model:       model,
		Temperature: temperature,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Content: systemPrompt},
			{Role: chatmodel.RoleUser, Content: input},
		},
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for ev := range events {
		if ev.Kind == EventContentDelta {
			out.WriteString(ev.ContentChunk)
		}
	}
	return out.String(), nil
}

// ChatStyleMessage is the wire shape for chat-style providers (OpenAI,
// Azure, Bedrock-via-Converse, Ollama, OpenRouter): role/content/tool_calls/
// tool_call_id.
type ChatStyleMessage struct {
	Role       string              `json:"role"`
	Content    string              `json:"content,omitempty"`
	ToolCalls  []ChatStyleToolCall `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

// ChatStyleToolCall is one OpenAI-shaped function call entry.
type ChatStyleToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToChatStyle renders messages into the chat-style wire shape.
func ToChatStyle(msgs []chatmodel.Message) []ChatStyleMessage {
	out := make([]ChatStyleMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatStyleMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			ctc := ChatStyleToolCall{ID: tc.ID, Type: "function"}
			ctc.Function.Name = tc.Name
			ctc.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, ctc)
		}
		out = append(out, cm)
	}
	return out
}

// ResponseStyleItem is one entry of the response-style `input` array:
// type ∈ {message, function_call, function_call_output}.
type ResponseStyleItem struct {
	Type string `json:"type"`

	// type=message
	Role  string               `json:"role,omitempty"`
	Parts []ResponseStylePart  `json:"content,omitempty"`

	// type=function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// type=function_call_output
	Output string `json:"output,omitempty"`
}

// ResponseStylePart is one content part within a response-style message
// item: text parts use input_text for inputs and output_text for assistant
// output; images use input_image.
type ResponseStylePart struct {
	Type   string `json:"type"` // input_text | output_text | input_image
	Text   string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ToResponseStyle renders messages into the response-style wire shape.
func ToResponseStyle(msgs []chatmodel.Message) []ResponseStyleItem {
	out := make([]ResponseStyleItem, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chatmodel.RoleTool:
			out = append(out, ResponseStyleItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		case chatmodel.RoleAssistant:
			for _, tc := range m.ToolCalls {
				out = append(out, ResponseStyleItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
			if m.Content != "" || len(m.Parts) > 0 {
				out = append(out, ResponseStyleItem{
					Type:  "message",
					Role:  string(m.Role),
					Parts: toResponsePartsOut(m),
				})
			}
		default:
			out = append(out, ResponseStyleItem{
				Type:  "message",
				Role:  string(m.Role),
				Parts: toResponsePartsIn(m),
			})
		}
	}
	return out
}

func toResponsePartsIn(m chatmodel.Message) []ResponseStylePart {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []ResponseStylePart{{Type: "input_text", Text: m.Content}}
	}
	parts := make([]ResponseStylePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case chatmodel.PartImage:
			parts = append(parts, ResponseStylePart{Type: "input_image", ImageURL: firstNonEmpty(p.URL, p.FileID), Detail: p.Detail})
		default:
			parts = append(parts, ResponseStylePart{Type: "input_text", Text: p.Text})
		}
	}
	return parts
}

func toResponsePartsOut(m chatmodel.Message) []ResponseStylePart {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []ResponseStylePart{{Type: "output_text", Text: m.Content}}
	}
	parts := make([]ResponseStylePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, ResponseStylePart{Type: "output_text", Text: p.Text})
	}
	return parts
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
