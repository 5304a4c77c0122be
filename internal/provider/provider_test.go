package provider

import (
	"testing"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

func TestMergeToolCallDeltasConcatenatesByIndex(t *testing.T) {
	pieces := []ToolCallPiece{
		{Index: 0, ID: "call_1", Name: "get_"},
		{Index: 1, ID: "call_2", Name: "other"},
		{Index: 0, Name: "weather", Arguments: `{"city":`},
		{Index: 0, Arguments: `"nyc"}`},
		{Index: 1, Arguments: `{}`},
	}
	merged := MergeToolCallDeltas(pieces)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged tool calls, got %d", len(merged))
	}
	if merged[0].ID != "call_1" || merged[0].Name != "get_weather" || merged[0].Arguments != `{"city":"nyc"}` {
		t.Fatalf("unexpected merge for index 0: %+v", merged[0])
	}
	if merged[1].ID != "call_2" || merged[1].Name != "other" || merged[1].Arguments != `{}` {
		t.Fatalf("unexpected merge for index 1: %+v", merged[1])
	}
}

func TestMergeToolCallDeltasStableIndexOrder(t *testing.T) {
	pieces := []ToolCallPiece{
		{Index: 2, Name: "c"},
		{Index: 0, Name: "a"},
		{Index: 1, Name: "b"},
	}
	merged := MergeToolCallDeltas(pieces)
	if merged[0].Name != "a" || merged[1].Name != "b" || merged[2].Name != "c" {
		t.Fatalf("expected index-sorted output, got %+v", merged)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Add(ToolCallPiece{Index: 0, ID: "x", Name: "foo"})
	acc.Add(ToolCallPiece{Index: 0, Arguments: "{}"})
	out := acc.Finish()
	if len(out) != 1 || out[0].ID != "x" || out[0].Arguments != "{}" {
		t.Fatalf("unexpected accumulator result: %+v", out)
	}
}

func TestToChatStyle(t *testing.T) {
	msgs := []chatmodel.Message{
		{Role: chatmodel.RoleUser, Content: "hi"},
		{Role: chatmodel.RoleAssistant, ToolCalls: []chatmodel.ToolCall{{ID: "1", Name: "f", Arguments: "{}"}}},
		{Role: chatmodel.RoleTool, ToolCallID: "1", Content: "result"},
	}
	out := ToChatStyle(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 chat-style messages, got %d", len(out))
	}
	if out[1].ToolCalls[0].Function.Name != "f" {
		t.Fatalf("expected tool call function name preserved, got %+v", out[1])
	}
	if out[2].ToolCallID != "1" {
		t.Fatalf("expected tool_call_id preserved on tool message, got %+v", out[2])
	}
}

func TestToResponseStyle(t *testing.T) {
	msgs := []chatmodel.Message{
		{Role: chatmodel.RoleUser, Content: "hi"},
		{Role: chatmodel.RoleAssistant, ToolCalls: []chatmodel.ToolCall{{ID: "1", Name: "f", Arguments: "{}"}}},
		{Role: chatmodel.RoleTool, ToolCallID: "1", Content: "result"},
	}
	out := ToResponseStyle(msgs)
	if out[0].Type != "message" || out[0].Parts[0].Type != "input_text" {
		t.Fatalf("expected input_text for user message, got %+v", out[0])
	}
	if out[1].Type != "function_call" || out[1].CallID != "1" || out[1].Name != "f" {
		t.Fatalf("expected function_call item, got %+v", out[1])
	}
	if out[2].Type != "function_call_output" || out[2].CallID != "1" || out[2].Output != "result" {
		t.Fatalf("expected function_call_output item, got %+v", out[2])
	}
}

func TestToResponseStyleAssistantTextUsesOutputText(t *testing.T) {
	msgs := []chatmodel.Message{
		{Role: chatmodel.RoleAssistant, Content: "done"},
	}
	out := ToResponseStyle(msgs)
	if len(out) != 1 || out[0].Parts[0].Type != "output_text" {
		t.Fatalf("expected output_text for assistant content, got %+v", out)
	}
}
