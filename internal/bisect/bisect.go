// Package bisect implements the context-compaction subsystem: proactive and
// overflow-triggered detection of context-window pressure, and the
// bisect_v1 recursive summarization algorithm that replaces older history
// with LLM-generated summaries.
package bisect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	gocontext "github.com/turnforge/turnforge/internal/context"
	"github.com/turnforge/turnforge/internal/chatmodel"
)

// SummaryLlmClient is the narrow capability compaction needs from a
// provider: summarize a chunk of rendered transcript text into a shorter
// one, given the summarizer system prompt, model and temperature. The
// compaction package never talks to the orchestrator or the full provider
// surface, only this seam.
type SummaryLlmClient interface {
	Summarize(ctx context.Context, systemPrompt, input string, model string, temperature float64) (string, error)
}

// Config parameterizes one compaction run.
type Config struct {
	Model              string
	Temperature        float64
	TargetTokens       int // target_output_tokens per summary
	KeepLastN          int
	MaxContextTokens   int
	MessageLimit       int
	MinChunkMessages   int
	MaxDepth           int
	SummarizerPrompt   string
}

// DefaultConfig returns sensible defaults matching the teacher's context
// window heuristics.
func DefaultConfig() Config {
	return Config{
		Temperature:      0.2,
		TargetTokens:     800,
		KeepLastN:        10,
		MaxContextTokens: gocontext.DefaultContextWindow,
		MessageLimit:     200,
		MinChunkMessages: 4,
		MaxDepth:         4,
		SummarizerPrompt: "You are a conversation summarizer. Produce a compact, faithful summary of the exchange below, preserving durable facts, decisions, and open threads. Do not editorialize.",
	}
}

const compactedNoticeText = "【上下文已压缩为摘要】"

// CompactedNotice returns the assistant message appended to history on a
// successful compaction, with compression stats attached as metadata.
func CompactedNotice(sessionID string, stats chatmodel.CompressionStats, now time.Time) chatmodel.Message {
	return chatmodel.Message{
		SessionID: sessionID,
		Role:      chatmodel.RoleAssistant,
		Content:   compactedNoticeText,
		Metadata: map[string]any{
			"compression_stats": stats,
		},
		CreatedAt: now,
	}
}

// EstimateTokens delegates to the shared character-based heuristic so every
// component estimates the same way.
func EstimateTokens(text string) int {
	return gocontext.EstimateTokens(text)
}

// EstimateMessageTokens estimates a message's token footprint including its
// tool-call JSON payload, per the spec's "arrays and object parts recurse"
// rule.
func EstimateMessageTokens(m chatmodel.Message) int {
	chars := m.EstimateSize()
	tokens := int(float64(chars) * gocontext.TokensPerChar)
	if tokens == 0 && chars > 0 {
		return 1
	}
	return tokens
}

// EstimateHistoryTokens sums per-message estimates plus a fixed per-message
// overhead of 4 tokens.
func EstimateHistoryTokens(msgs []chatmodel.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m) + 4
	}
	return total
}

// ShouldCompactProactively reports whether history pressure alone (without
// a provider error) warrants compaction.
func ShouldCompactProactively(msgs []chatmodel.Message, cfg Config) bool {
	if len(msgs) >= cfg.MessageLimit {
		return true
	}
	return EstimateHistoryTokens(msgs) >= cfg.MaxContextTokens
}

var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context_length_exceeded`),
	regexp.MustCompile(`(?i)maximum context length`),
	regexp.MustCompile(`(?i)token limit`),
}

// IsOverflowError reports whether err's message matches one of the known
// context-overflow patterns from any supported provider.
func IsOverflowError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range overflowPatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context window") && strings.Contains(lower, "exceed")
}

var (
	reLimitN  = regexp.MustCompile(`(?i)limit\s+(\d+)`)
	reCtxLenN = regexp.MustCompile(`(?i)context length\s+(\d+)`)
)

// ParseOverflowBudget extracts a numeric token budget from a provider
// overflow error message, returning (budget, true) on success. The caller
// should clamp: budget = max(N-2048, 1000).
func ParseOverflowBudget(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	for _, re := range []*regexp.Regexp{reLimitN, reCtxLenN} {
		if m := re.FindStringSubmatch(msg); m != nil {
			n, parseErr := strconv.Atoi(m[1])
			if parseErr == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ClampOverflowBudget applies the spec's clamp: max(n-2048, 1000).
func ClampOverflowBudget(n int) int {
	b := n - 2048
	if b < 1000 {
		b = 1000
	}
	return b
}

// Result is the outcome of a Compact run.
type Result struct {
	Summary   chatmodel.Summary
	Tail      []chatmodel.Message
	Truncated bool
}

// Compact runs bisect_v1 over msgs (ordered oldest-first) and returns the
// resulting summary plus the kept tail. Messages beyond the last KeepLastN
// are left untouched as the tail; everything older is the candidate prefix
// that gets summarized.
func Compact(ctx context.Context, client SummaryLlmClient, msgs []chatmodel.Message, cfg Config) (Result, error) {
	if cfg.MinChunkMessages < 1 {
		cfg.MinChunkMessages = 1
	}
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 1
	}

	keepLastN := cfg.KeepLastN
	if keepLastN > len(msgs) {
		keepLastN = len(msgs)
	}
	splitPoint := len(msgs) - keepLastN
	prefix := msgs[:splitPoint]
	tail := msgs[splitPoint:]

	if len(prefix) == 0 {
		return Result{}, fmt.Errorf("bisect: nothing to compact, history shorter than keep_last_n")
	}

	b := &bisector{client: client, cfg: cfg}
	text, chunkCount, maxDepthReached, truncated, err := b.run(ctx, prefix, 0)
	if err != nil {
		return Result{}, err
	}

	inTokens := EstimateHistoryTokens(prefix)
	outTokens := EstimateTokens(text)
	ratio := 0.0
	if inTokens > 0 {
		ratio = float64(outTokens) / float64(inTokens)
	}

	summary := chatmodel.Summary{
		SessionID:              prefixSessionID(prefix),
		Text:                   text,
		Model:                  cfg.Model,
		Temperature:            cfg.Temperature,
		TargetOutputTokens:     cfg.TargetTokens,
		KeepLastN:              cfg.KeepLastN,
		SourceMessageCount:     len(prefix),
		SourceApproxTokens:     inTokens,
		FirstMessageID:         prefix[0].ID,
		LastMessageID:          prefix[len(prefix)-1].ID,
		FirstMessageCreatedAt:  prefix[0].CreatedAt,
		LastMessageCreatedAt:   prefix[len(prefix)-1].CreatedAt,
		Stats: chatmodel.CompressionStats{
			Algorithm:    "bisect_v1",
			ChunkCount:   chunkCount,
			MaxDepth:     maxDepthReached,
			Truncated:    truncated,
			Ratio:        ratio,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
		},
	}

	return Result{Summary: summary, Tail: tail, Truncated: truncated}, nil
}

func prefixSessionID(prefix []chatmodel.Message) string {
	if len(prefix) == 0 {
		return ""
	}
	return prefix[0].SessionID
}

type bisector struct {
	client SummaryLlmClient
	cfg    Config
}

// run summarizes chunk at the given recursion depth, returning the summary
// text, total chunk count produced, the maximum depth reached, and whether
// max_depth truncation occurred anywhere in the recursion.
func (b *bisector) run(ctx context.Context, chunk []chatmodel.Message, depth int) (string, int, int, bool, error) {
	if depth >= b.cfg.MaxDepth {
		text, err := b.summarizeChunk(ctx, chunk)
		if err != nil {
			return "", 0, depth, true, err
		}
		return text, 1, depth, true, nil
	}

	text, err := b.summarizeChunk(ctx, chunk)
	if err != nil {
		return "", 0, depth, false, err
	}

	if EstimateTokens(text) <= b.cfg.TargetTokens || len(chunk) < 2*b.cfg.MinChunkMessages {
		return text, 1, depth, false, nil
	}

	left, right, ok := splitAtBoundary(chunk, b.cfg.MinChunkMessages)
	if !ok {
		// No safe split point: accept the oversized summary as-is.
		return text, 1, depth, false, nil
	}

	leftText, leftChunks, leftDepth, leftTrunc, err := b.run(ctx, left, depth+1)
	if err != nil {
		return "", 0, depth, false, err
	}
	rightText, rightChunks, rightDepth, rightTrunc, err := b.run(ctx, right, depth+1)
	if err != nil {
		return "", 0, depth, false, err
	}

	merged := leftText + "\n\n" + rightText
	maxDepthReached := leftDepth
	if rightDepth > maxDepthReached {
		maxDepthReached = rightDepth
	}
	truncated := leftTrunc || rightTrunc
	totalChunks := leftChunks + rightChunks

	if EstimateTokens(merged) > b.cfg.TargetTokens {
		resummarized, err := b.client.Summarize(ctx, b.cfg.SummarizerPrompt, merged, b.cfg.Model, b.cfg.Temperature)
		if err != nil {
			return "", 0, depth, false, err
		}
		return resummarized, totalChunks, maxDepthReached, truncated, nil
	}
	return merged, totalChunks, maxDepthReached, truncated, nil
}

func (b *bisector) summarizeChunk(ctx context.Context, chunk []chatmodel.Message) (string, error) {
	rendered := renderTranscript(chunk)
	return b.client.Summarize(ctx, b.cfg.SummarizerPrompt, rendered, b.cfg.Model, b.cfg.Temperature)
}

func renderTranscript(chunk []chatmodel.Message) string {
	var sb strings.Builder
	for _, m := range chunk {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf(" [tool_call %s(%s)]", tc.Name, tc.Arguments))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// splitAtBoundary finds the split point closest to the midpoint of chunk
// that: keeps both halves at least minChunk messages long, never leaves a
// role=tool message as the first element of the right half, and never puts
// an assistant-with-tool-calls message as the last element of the left
// half. It returns ok=false if no such split exists.
func splitAtBoundary(chunk []chatmodel.Message, minChunk int) (left, right []chatmodel.Message, ok bool) {
	n := len(chunk)
	mid := n / 2

	isSafe := func(i int) bool {
		if i < minChunk || n-i < minChunk {
			return false
		}
		if chunk[i].Role == chatmodel.RoleTool {
			return false
		}
		if chunk[i-1].HasToolCalls() {
			return false
		}
		return true
	}

	for offset := 0; offset <= n; offset++ {
		for _, cand := range []int{mid + offset, mid - offset} {
			if cand <= 0 || cand >= n {
				continue
			}
			if isSafe(cand) {
				return chunk[:cand], chunk[cand:], true
			}
		}
		if offset > n {
			break
		}
	}
	return nil, nil, false
}

// EnsureToolResponses synthesizes {role=tool, content="aborted"} messages
// for any tool_call_id referenced by an assistant message in tail that has
// no matching tool response, preserving order (synthesized entries are
// inserted immediately after their assistant message's existing responses).
func EnsureToolResponses(tail []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(tail))
	for i := 0; i < len(tail); i++ {
		m := tail[i]
		out = append(out, m)
		if !m.HasToolCalls() {
			continue
		}
		present := make(map[string]bool)
		j := i + 1
		for j < len(tail) && tail[j].Role == chatmodel.RoleTool {
			present[tail[j].ToolCallID] = true
			out = append(out, tail[j])
			j++
		}
		for _, tc := range m.ToolCalls {
			if !present[tc.ID] {
				out = append(out, chatmodel.Message{
					SessionID:  m.SessionID,
					Role:       chatmodel.RoleTool,
					ToolCallID: tc.ID,
					Content:    "aborted",
					CreatedAt:  m.CreatedAt,
				})
			}
		}
		i = j - 1
	}
	return out
}

const summaryWrapperPrefix = "以下是之前对话与工具调用的摘要："

// AssembleContext builds the next-call message list: optional summarizer
// system prompt, the wrapped latest summary (if any), then the kept tail
// with tool responses ensured.
func AssembleContext(summarizerPrompt string, latestSummary *chatmodel.Summary, tail []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(tail)+2)
	if summarizerPrompt != "" {
		out = append(out, chatmodel.Message{Role: chatmodel.RoleSystem, Content: summarizerPrompt})
	}
	if latestSummary != nil {
		out = append(out, chatmodel.Message{
			Role:    chatmodel.RoleSystem,
			Content: summaryWrapperPrefix + latestSummary.Text,
		})
	}
	out = append(out, EnsureToolResponses(tail)...)
	return out
}
