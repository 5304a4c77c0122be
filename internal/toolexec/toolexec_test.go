package toolexec

import (
	"context"
	"testing"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

func countingBuiltin(calls *int) BuiltinHandler {
	return func(ctx context.Context, arguments string) (string, bool) {
		*calls++
		return "ok:" + arguments, false
	}
}

func TestExecutePreservesOrderAndDispatches(t *testing.T) {
	reg := NewRegistry()
	var n int
	reg.RegisterTool(ToolDescriptor{Name: "weather"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"weather": countingBuiltin(&n),
	}})
	reg.RegisterTool(ToolDescriptor{Name: "time"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"time": countingBuiltin(&n),
	}})

	exec := NewExecutor(reg, 4)
	calls := []chatmodel.ToolCall{
		{ID: "a", Name: "weather", Arguments: `{"city":"nyc"}`},
		{ID: "b", Name: "time", Arguments: `{}`},
		{ID: "c", Name: "weather", Arguments: `{"city":"sf"}`},
	}
	results := exec.Execute(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ToolCallID != "a" || results[1].ToolCallID != "b" || results[2].ToolCallID != "c" {
		t.Fatalf("expected results in submission order, got %+v", results)
	}
	if results[0].Content != `ok:{"city":"nyc"}` {
		t.Fatalf("unexpected content for call a: %+v", results[0])
	}
	if n != 3 {
		t.Fatalf("expected 3 distinct dispatches (different args), got %d", n)
	}
}

func TestExecuteDedupesIdenticalArguments(t *testing.T) {
	reg := NewRegistry()
	var n int
	reg.RegisterTool(ToolDescriptor{Name: "weather"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"weather": countingBuiltin(&n),
	}})
	exec := NewExecutor(reg, 4)

	calls := []chatmodel.ToolCall{
		{ID: "a", Name: "weather", Arguments: `{"city":"nyc"}`},
		{ID: "b", Name: "weather", Arguments: `{"city":"nyc"}`},
		{ID: "c", Name: "weather", Arguments: `{"city":"sf"}`},
	}
	results := exec.Execute(context.Background(), calls)
	if n != 2 {
		t.Fatalf("expected 2 distinct dispatches (a/b dedup, c distinct), got %d", n)
	}
	if results[0].Content != results[1].Content {
		t.Fatalf("expected a and b to share content, got %+v vs %+v", results[0], results[1])
	}
	if len(results) != 3 {
		t.Fatalf("expected one result per original call, got %d", len(results))
	}
}

func TestExecuteDedupesSuggestSubAgentByNameRegardlessOfArguments(t *testing.T) {
	reg := NewRegistry()
	var n int
	reg.RegisterTool(ToolDescriptor{Name: "research_suggest_sub_agent"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"research_suggest_sub_agent": countingBuiltin(&n),
	}})
	exec := NewExecutor(reg, 4)

	calls := []chatmodel.ToolCall{
		{ID: "a", Name: "research_suggest_sub_agent", Arguments: `{"reason":"x"}`},
		{ID: "b", Name: "research_suggest_sub_agent", Arguments: `{"reason":"different"}`},
	}
	results := exec.Execute(context.Background(), calls)
	if n != 1 {
		t.Fatalf("expected suggest_sub_agent calls to dedupe regardless of arguments, got %d dispatches", n)
	}
	if results[0].Content != results[1].Content {
		t.Fatalf("expected shared content across dedup'd suggest_sub_agent calls")
	}
}

func TestExecuteMissingToolReportsErrorWithoutAbortingBatch(t *testing.T) {
	reg := NewRegistry()
	var n int
	reg.RegisterTool(ToolDescriptor{Name: "known"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"known": countingBuiltin(&n),
	}})
	exec := NewExecutor(reg, 4)

	calls := []chatmodel.ToolCall{
		{ID: "a", Name: "unknown_tool", Arguments: `{}`},
		{ID: "b", Name: "known", Arguments: `{}`},
	}
	results := exec.Execute(context.Background(), calls)
	if len(results) != 2 {
		t.Fatalf("expected both results present despite failure, got %d", len(results))
	}
	if isErr, _ := results[0].Metadata["error"].(bool); !isErr {
		t.Fatalf("expected metadata.error=true for missing tool, got %+v", results[0])
	}
	if results[1].Metadata != nil {
		t.Fatalf("expected no error metadata for successful call, got %+v", results[1])
	}
}

func TestExecuteHandlerErrorReportedAsError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterTool(ToolDescriptor{Name: "broken"}, &BuiltinBackend{Handlers: map[string]BuiltinHandler{
		"broken": func(ctx context.Context, arguments string) (string, bool) {
			return "boom", true
		},
	}})
	exec := NewExecutor(reg, 4)
	results := exec.Execute(context.Background(), []chatmodel.ToolCall{{ID: "a", Name: "broken", Arguments: `{}`}})
	if isErr, _ := results[0].Metadata["error"].(bool); !isErr {
		t.Fatalf("expected error metadata for handler-reported error, got %+v", results[0])
	}
	if results[0].Content != "boom" {
		t.Fatalf("expected handler content preserved, got %q", results[0].Content)
	}
}

func TestIsSuggestSubAgent(t *testing.T) {
	cases := map[string]bool{
		"research_suggest_sub_agent": true,
		"foo_suggest_sub_agent":      true,
		"suggest_sub_agent_foo":      false,
		"regular_tool":               false,
	}
	for name, want := range cases {
		if got := isSuggestSubAgent(name); got != want {
			t.Errorf("isSuggestSubAgent(%q) = %v, want %v", name, got, want)
		}
	}
}
