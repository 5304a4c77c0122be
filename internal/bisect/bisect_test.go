package bisect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

type stubClient struct {
	calls int
	fn    func(input string) string
}

func (s *stubClient) Summarize(ctx context.Context, systemPrompt, input string, model string, temperature float64) (string, error) {
	s.calls++
	if s.fn != nil {
		return s.fn(input), nil
	}
	return "summary of: " + input, nil
}

func msg(role chatmodel.Role, content string, t time.Time) chatmodel.Message {
	return chatmodel.Message{ID: content, Role: role, Content: content, CreatedAt: t}
}

func buildHistory(n int) []chatmodel.Message {
	base := time.Now()
	out := make([]chatmodel.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, msg(chatmodel.RoleUser, strings.Repeat("word ", 20), base.Add(time.Duration(i)*time.Second)))
	}
	return out
}

func TestIsOverflowError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"context_length_exceeded: too many tokens", true},
		{"Maximum context length is 4096 tokens", true},
		{"Token limit reached", true},
		{"your context window did exceed the budget", true},
		{"some unrelated error", false},
	}
	for _, c := range cases {
		got := IsOverflowError(errors.New(c.msg))
		if got != c.want {
			t.Errorf("IsOverflowError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestParseOverflowBudgetAndClamp(t *testing.T) {
	n, ok := ParseOverflowBudget(errors.New("this model's maximum context length is 8192 tokens, limit 8192"))
	if !ok || n != 8192 {
		t.Fatalf("expected parsed budget 8192, got %d ok=%v", n, ok)
	}
	if got := ClampOverflowBudget(8192); got != 6144 {
		t.Fatalf("expected clamped 6144, got %d", got)
	}
	if got := ClampOverflowBudget(2000); got != 1000 {
		t.Fatalf("expected floor 1000, got %d", got)
	}
}

func TestCompactProducesOrderedSummary(t *testing.T) {
	history := buildHistory(20)
	client := &stubClient{}
	cfg := DefaultConfig()
	cfg.KeepLastN = 5
	cfg.MinChunkMessages = 2
	cfg.TargetTokens = 1 // force recursion every level

	result, err := Compact(context.Background(), client, history, cfg)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !result.Summary.Valid() {
		t.Fatalf("expected first_message_created_at <= last_message_created_at")
	}
	if result.Summary.Stats.Algorithm != "bisect_v1" {
		t.Fatalf("expected bisect_v1 algorithm tag, got %q", result.Summary.Stats.Algorithm)
	}
	if len(result.Tail) != 5 {
		t.Fatalf("expected tail of 5, got %d", len(result.Tail))
	}
	if result.Summary.SourceMessageCount != 15 {
		t.Fatalf("expected 15 source messages, got %d", result.Summary.SourceMessageCount)
	}
}

func TestCompactTruncatesAtMaxDepth(t *testing.T) {
	history := buildHistory(40)
	client := &stubClient{}
	cfg := DefaultConfig()
	cfg.KeepLastN = 4
	cfg.MinChunkMessages = 1
	cfg.MaxDepth = 1
	cfg.TargetTokens = 1

	result, err := Compact(context.Background(), client, history, cfg)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !result.Summary.Stats.Truncated {
		t.Fatal("expected truncation flag set at shallow max_depth")
	}
}

func TestSplitAtBoundaryAvoidsToolBoundary(t *testing.T) {
	now := time.Now()
	chunk := []chatmodel.Message{
		msg(chatmodel.RoleUser, "u1", now),
		{ID: "a1", Role: chatmodel.RoleAssistant, ToolCalls: []chatmodel.ToolCall{{ID: "tc1", Name: "x"}}, CreatedAt: now},
		{ID: "tr1", Role: chatmodel.RoleTool, ToolCallID: "tc1", Content: "result", CreatedAt: now},
		msg(chatmodel.RoleUser, "u2", now),
	}
	left, right, ok := splitAtBoundary(chunk, 1)
	if !ok {
		t.Fatal("expected a safe split to exist")
	}
	if len(left) == 2 {
		t.Fatalf("split must not separate assistant tool_calls from its tool response: left=%v", left)
	}
	if right[0].Role == chatmodel.RoleTool {
		t.Fatalf("right half must not start with a tool message: %+v", right[0])
	}
}

func TestEnsureToolResponsesSynthesizesAborted(t *testing.T) {
	now := time.Now()
	tail := []chatmodel.Message{
		{ID: "a1", Role: chatmodel.RoleAssistant, ToolCalls: []chatmodel.ToolCall{{ID: "tc1", Name: "x"}, {ID: "tc2", Name: "y"}}, CreatedAt: now},
		{ID: "tr1", Role: chatmodel.RoleTool, ToolCallID: "tc1", Content: "ok", CreatedAt: now},
	}
	out := EnsureToolResponses(tail)
	if len(out) != 3 {
		t.Fatalf("expected synthesized response appended, got %d messages", len(out))
	}
	last := out[2]
	if last.Role != chatmodel.RoleTool || last.ToolCallID != "tc2" || last.Content != "aborted" {
		t.Fatalf("unexpected synthesized message: %+v", last)
	}
}

func TestAssembleContextOrdering(t *testing.T) {
	now := time.Now()
	summary := &chatmodel.Summary{Text: "prior summary text"}
	tail := []chatmodel.Message{msg(chatmodel.RoleUser, "hi", now)}

	out := AssembleContext("you are a summarizer", summary, tail)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages (prompt, summary, tail), got %d", len(out))
	}
	if out[0].Role != chatmodel.RoleSystem || out[1].Role != chatmodel.RoleSystem {
		t.Fatalf("expected leading system messages, got %+v", out[:2])
	}
	if !strings.Contains(out[1].Content, "以下是之前对话与工具调用的摘要") {
		t.Fatalf("expected summary wrapper text, got %q", out[1].Content)
	}
	if out[2].Content != "hi" {
		t.Fatalf("expected tail preserved, got %+v", out[2])
	}
}

func TestShouldCompactProactively(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageLimit = 5
	if !ShouldCompactProactively(buildHistory(5), cfg) {
		t.Fatal("expected message-count trigger to fire at the limit")
	}
	if ShouldCompactProactively(buildHistory(2), cfg) {
		t.Fatal("did not expect trigger below both thresholds")
	}
}
