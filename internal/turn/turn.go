// Package turn implements the turn orchestrator (spec.md §4.G): the per-
// request state machine that loads history, drives the provider streaming
// loop, dispatches tool-call batches, compacts context on overflow, and
// emits the SSE event sequence a client observes for one streamed turn.
//
// Grounded on internal/agent/runtime.go's run() state machine: per-session
// locking, history assembly, the provider-call/tool-call/append iteration
// loop, and the wall-time-vs-explicit-cancel suspension-point split —
// generalized to call the new component packages (storage, provider,
// toolexec, bisect, abort, review, sse) instead of one in-package
// types.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turnforge/turnforge/internal/abort"
	"github.com/turnforge/turnforge/internal/bisect"
	"github.com/turnforge/turnforge/internal/chatmodel"
	"github.com/turnforge/turnforge/internal/metrics"
	"github.com/turnforge/turnforge/internal/provider"
	"github.com/turnforge/turnforge/internal/review"
	"github.com/turnforge/turnforge/internal/sse"
	"github.com/turnforge/turnforge/internal/storage"
	"github.com/turnforge/turnforge/internal/toolexec"
	"github.com/turnforge/turnforge/internal/tracing"
)

// DefaultMaxIterations is the default iteration budget, clamped by user
// settings.
const DefaultMaxIterations = 25

// Config parameterizes one turn.
type Config struct {
	Model              string
	Temperature        float64
	MaxTokens          int
	ReasoningRequested bool
	SupportsReasoning  bool
	ThinkingLevel      string // valid only for provider=gpt; independent of SupportsReasoning
	MaxIterations      int
	HistoryLimit       int
	CompactionConfig   bisect.Config
	ToolConcurrency    int
}

// EffectiveReasoning implements spec §4.G step 1's
// effective_reasoning = (supports_reasoning ∨ non_empty(thinking_level)) ∧ requested_reasoning.
func (c Config) EffectiveReasoning() bool {
	return (c.SupportsReasoning || c.ThinkingLevel != "") && c.ReasoningRequested
}

func (c Config) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return DefaultMaxIterations
}

// Orchestrator wires every component package together to run turns.
type Orchestrator struct {
	Repo     storage.Repository
	Provider provider.Client
	Tools    *toolexec.Executor
	Aborts   *abort.Registry
	Reviews  *review.Hub
	Metrics  *metrics.Metrics  // nil is a valid no-op value
	Tracer   *tracing.Tracer   // nil is a valid no-op value
}

// New constructs an Orchestrator from its component dependencies.
func New(repo storage.Repository, prov provider.Client, tools *toolexec.Executor, aborts *abort.Registry, reviews *review.Hub) *Orchestrator {
	return &Orchestrator{Repo: repo, Provider: prov, Tools: tools, Aborts: aborts, Reviews: reviews}
}

// errCompactionExhausted marks that overflow recovery already retried once
// this turn and failed again; the turn must transition to ERROR.
var errCompactionExhausted = errors.New("context overflow persisted after compaction")

// Run executes one full turn for sessionID given the user's latest message,
// emitting the SSE event sequence spec §4.G.Ordering guarantees require.
// Run returns once the turn reaches a terminal state (COMPLETE, CANCELLED,
// or ERROR); it never returns an error for a clean CANCELLED exit.
func (o *Orchestrator) Run(ctx context.Context, sink *sse.Sink, sessionID, userContent string, cfg Config) error {
	// No Reset here: Reset unconditionally clears the aborted flag, which
	// would erase an Abort that raced ahead of this turn's registration
	// (abort.Registry's documented "mark-before-register" guarantee).
	// SetController already upserts the entry — creating a fresh,
	// non-aborted one only when none exists — and fires cancel immediately
	// if a race already marked it aborted. Clear at turn end so a later,
	// unrelated turn for the same session starts from a clean entry instead
	// of inheriting this one's state.
	ctx, cancel := context.WithCancel(ctx)
	o.Aborts.SetController(sessionID, cancel)
	defer cancel()
	defer o.Aborts.Clear(sessionID)

	ctx, turnSpan := o.Tracer.TraceTurn(ctx, sessionID, cfg.Model)
	defer turnSpan.End()

	sink.Emit(ctx, sse.Event{Type: sse.EventStart, Data: map[string]any{"session_id": sessionID}})

	// Load history *before* persisting the current user message: dropDuplicateTail
	// only needs to trim a genuine leftover duplicate from prior history (e.g. a
	// retried submission already persisted under this content), never the
	// message this turn is about to append itself.
	history, err := o.loadEffectiveHistory(ctx, sessionID, userContent, cfg.HistoryLimit)
	if err != nil {
		return o.emitError(ctx, sink, err)
	}

	turnID := uuid.NewString()
	userMsg, err := o.Repo.AppendMessage(ctx, storage.AppendMessageInput{
		SessionID: sessionID,
		Role:      chatmodel.RoleUser,
		Content:   userContent,
		Metadata:  map[string]any{"conversation_turn_id": turnID},
	})
	if err != nil {
		return o.emitError(ctx, sink, err)
	}
	history = append(history, userMsg)

	compactedOnce := false
	maxIter := cfg.maxIterations()

	for iter := 0; iter < maxIter; iter++ {
		if o.Aborts.IsAborted(sessionID) {
			return o.emitCancelled(ctx, sink)
		}
		o.Metrics.ObserveIteration()

		start := time.Now()
		pname := providerName(o.Provider)
		providerCtx, providerSpan := o.Tracer.TraceProviderRequest(ctx, pname, cfg.Model)
		result, err := o.runProviderIteration(providerCtx, sink, sessionID, history, cfg)
		o.Tracer.RecordError(providerSpan, err)
		providerSpan.End()
		o.Metrics.ObserveProviderRequest(pname, cfg.Model, time.Since(start))
		if err != nil {
			if o.Aborts.IsAborted(sessionID) {
				return o.emitCancelled(ctx, sink)
			}
			if bisect.IsOverflowError(err) {
				if compactedOnce {
					return o.emitError(ctx, sink, errCompactionExhausted)
				}
				compactedOnce = true
				history, err = o.compact(ctx, sink, sessionID, history, cfg, err)
				if err != nil {
					return o.emitError(ctx, sink, err)
				}
				iter-- // retry the same iteration against the compacted history
				continue
			}
			return o.emitError(ctx, sink, err)
		}

		if o.Aborts.IsAborted(sessionID) {
			return o.emitCancelled(ctx, sink)
		}

		if len(result.ToolCalls) == 0 {
			assistantMsg, err := o.Repo.AppendMessage(ctx, storage.AppendMessageInput{
				SessionID: sessionID,
				Role:      chatmodel.RoleAssistant,
				Content:   result.Content,
				Reasoning: result.Reasoning,
			})
			if err != nil {
				return o.emitError(ctx, sink, err)
			}
			sink.Emit(ctx, sse.Event{Type: sse.EventComplete, Data: map[string]any{"message_id": assistantMsg.ID}})
			o.Metrics.ObserveTurn("complete")
			return nil
		}

		if err := o.runToolBatch(ctx, sink, sessionID, history, &result); err != nil {
			return o.emitError(ctx, sink, err)
		}
		history = append(history, assistantWithTools(result), result.toolMessages...)
	}

	return o.emitError(ctx, sink, fmt.Errorf("iteration budget exhausted after %d iterations", maxIter))
}

func assistantWithTools(r iterationResult) chatmodel.Message {
	return chatmodel.Message{
		Role:      chatmodel.RoleAssistant,
		Content:   r.Content,
		Reasoning: r.Reasoning,
		ToolCalls: r.ToolCalls,
	}
}

func (o *Orchestrator) emitCancelled(ctx context.Context, sink *sse.Sink) error {
	sink.Emit(ctx, sse.Event{Type: sse.EventCancelled, Data: map[string]any{}})
	o.Metrics.ObserveTurn("cancelled")
	return nil
}

func (o *Orchestrator) emitError(ctx context.Context, sink *sse.Sink, err error) error {
	sink.Emit(ctx, sse.Event{Type: sse.EventError, Data: map[string]any{"message": err.Error()}})
	o.Metrics.ObserveTurn("error")
	return err
}

// providerName returns a best-effort label for the provider-request-duration
// metric; unknown client implementations (e.g. test doubles) label as
// "unknown" rather than reflecting over the concrete type.
func providerName(c provider.Client) string {
	switch c.(type) {
	case *provider.AnthropicClient:
		return "anthropic"
	case *provider.OpenAIClient:
		return "openai"
	case *provider.BedrockClient:
		return "bedrock"
	case *provider.GeminiClient:
		return "gemini"
	default:
		return "unknown"
	}
}

// loadEffectiveHistory implements spec §4.G step 4: newest summary as
// system prefix, messages strictly after its cursor (or all, capped),
// ensure_tool_responses, and drop_duplicate_tail.
func (o *Orchestrator) loadEffectiveHistory(ctx context.Context, sessionID, userContent string, limit int) ([]chatmodel.Message, error) {
	var tail []chatmodel.Message
	var err error

	summary, serr := o.Repo.LatestSummary(ctx, sessionID)
	hasSummary := serr == nil
	if serr != nil && !errors.Is(serr, storage.ErrNotFound) {
		return nil, serr
	}

	if hasSummary {
		tail, err = o.Repo.GetAfter(ctx, sessionID, summary.LastMessageCreatedAt, limit)
	} else {
		tail, err = o.Repo.GetRecent(ctx, sessionID, limit, 0)
	}
	if err != nil {
		return nil, err
	}

	tail = bisect.EnsureToolResponses(tail)
	tail = dropDuplicateTail(tail, userContent)

	if hasSummary {
		return bisect.AssembleContext("", &summary, tail), nil
	}
	return tail, nil
}

// dropDuplicateTail trims a trailing user message from previously persisted
// history when it already duplicates the content this turn is about to
// append, so a retried submission never ends up duplicated once the current
// message is appended on top.
func dropDuplicateTail(msgs []chatmodel.Message, userContent string) []chatmodel.Message {
	n := len(msgs)
	if n == 0 {
		return msgs
	}
	last := msgs[n-1]
	if last.Role == chatmodel.RoleUser && last.Content == userContent {
		return msgs[:n-1]
	}
	return msgs
}

func (o *Orchestrator) compact(ctx context.Context, sink *sse.Sink, sessionID string, history []chatmodel.Message, cfg Config, overflowErr error) ([]chatmodel.Message, error) {
	sink.Emit(ctx, sse.Event{Type: sse.EventContextSummarizedStart, Data: map[string]any{}})

	compactCfg := cfg.CompactionConfig
	if budget, ok := bisect.ParseOverflowBudget(overflowErr); ok {
		compactCfg.MaxContextTokens = bisect.ClampOverflowBudget(budget)
	}

	client, ok := o.Provider.(bisect.SummaryLlmClient)
	if !ok {
		return nil, fmt.Errorf("provider does not support summarization")
	}

	compactCtx, compactSpan := o.Tracer.TraceCompaction(ctx, "overflow_retry")
	start := time.Now()
	result, err := bisect.Compact(compactCtx, client, history, compactCfg)
	o.Tracer.RecordError(compactSpan, err)
	compactSpan.End()
	o.Metrics.ObserveCompaction("overflow_retry", time.Since(start))
	if err != nil {
		sink.Emit(ctx, sse.Event{Type: sse.EventContextSummarizedEnd, Data: map[string]any{"error": err.Error()}})
		return nil, err
	}

	stats := chatmodel.CompressionStats{
		Algorithm: "bisect_v1", Truncated: result.Truncated,
	}
	notice := bisect.CompactedNotice(sessionID, stats, time.Now())
	sink.Emit(ctx, sse.Event{Type: sse.EventContextSummarizedStream, Data: map[string]any{"text": result.Summary.Text}})

	summaryRecord := chatmodel.Summary{
		SessionID: sessionID,
		Text:      result.Summary.Text,
		Model:     compactCfg.Model,
		KeepLastN: compactCfg.KeepLastN,
		Stats:     stats,
	}
	summaryRecord.LastMessageID = result.Summary.LastMessageID
	summaryRecord.LastMessageCreatedAt = result.Summary.LastMessageCreatedAt
	if _, err := o.Repo.AppendSummary(ctx, storage.AppendSummaryInput{Summary: summaryRecord}); err != nil {
		return nil, err
	}

	sink.Emit(ctx, sse.Event{Type: sse.EventContextSummarizedEnd, Data: map[string]any{"truncated": result.Truncated}})
	return append([]chatmodel.Message{notice}, result.Tail...), nil
}

// iterationResult is one provider-stream iteration's collected output.
type iterationResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []chatmodel.ToolCall
	toolMessages []chatmodel.Message
}

func (o *Orchestrator) runProviderIteration(ctx context.Context, sink *sse.Sink, sessionID string, history []chatmodel.Message, cfg Config) (iterationResult, error) {
	events, err := o.Provider.Stream(ctx, provider.Request{
		Model:       cfg.Model,
		Messages:    history,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Reasoning:   cfg.EffectiveReasoning(),
	})
	if err != nil {
		return iterationResult{}, err
	}

	var content, reasoning strings.Builder
	var acc provider.ToolCallAccumulator

	for ev := range events {
		if o.Aborts.IsAborted(sessionID) {
			return iterationResult{}, nil
		}
		switch ev.Kind {
		case provider.EventContentDelta:
			content.WriteString(ev.ContentChunk)
			sink.Emit(ctx, sse.Event{Type: sse.EventChunk, Data: map[string]any{"text": ev.ContentChunk}})
		case provider.EventReasoningDelta:
			reasoning.WriteString(ev.ReasoningChunk)
			sink.Emit(ctx, sse.Event{Type: sse.EventThinking, Data: map[string]any{"text": ev.ReasoningChunk}})
		case provider.EventToolCallPiece:
			acc.Add(ev.ToolCallPiece)
		}
	}

	return iterationResult{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		ToolCalls: acc.Finish(),
	}, nil
}

// runToolBatch implements spec §4.G step 5c: emits tools_start/tools_stream/
// tools_end, dispatches via the tool executor, persists the assistant and
// tool messages, and re-emits the raw suggest-sub-agent escape-hatch payload
// when a result carries one.
func (o *Orchestrator) runToolBatch(ctx context.Context, sink *sse.Sink, sessionID string, history []chatmodel.Message, result *iterationResult) error {
	sink.Emit(ctx, sse.Event{Type: sse.EventToolsStart, Data: map[string]any{"calls": result.ToolCalls}})

	if _, err := o.Repo.AppendMessage(ctx, storage.AppendMessageInput{
		SessionID: sessionID,
		Role:      chatmodel.RoleAssistant,
		Content:   result.Content,
		Reasoning: result.Reasoning,
		ToolCalls: result.ToolCalls,
	}); err != nil {
		return err
	}

	results := o.Tools.Execute(ctx, result.ToolCalls)
	result.toolMessages = make([]chatmodel.Message, 0, len(results))

	for _, r := range results {
		sink.Emit(ctx, sse.Event{Type: sse.EventToolsStream, Data: r})
		emitSuggestSubAgentEscape(ctx, sink, r)

		msg, err := o.Repo.AppendMessage(ctx, storage.AppendMessageInput{
			SessionID:  sessionID,
			Role:       chatmodel.RoleTool,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
			Metadata:   r.Metadata,
		})
		if err != nil {
			return err
		}
		result.toolMessages = append(result.toolMessages, msg)
	}

	sink.Emit(ctx, sse.Event{Type: sse.EventToolsEnd, Data: map[string]any{"results": results}})
	return nil
}

// suggestSubAgentPayload is the minimal shape the escape hatch inspects for.
type suggestSubAgentPayload struct {
	Event string `json:"event"`
}

// emitSuggestSubAgentEscape re-emits a tool result's raw JSON as a top-level
// SSE line when it parses to {event: "task_create_review_required" |
// "task_create_review_resolved", ...} (spec §4.G "Suggest-sub-agent escape
// hatch").
func emitSuggestSubAgentEscape(ctx context.Context, sink *sse.Sink, r chatmodel.ToolResult) {
	var payload suggestSubAgentPayload
	if json.Unmarshal([]byte(r.Content), &payload) != nil {
		return
	}
	switch payload.Event {
	case string(sse.EventTaskCreateReviewRequired):
		sink.Emit(ctx, sse.Event{Type: sse.EventTaskCreateReviewRequired, Data: json.RawMessage(r.Content)})
	case string(sse.EventTaskCreateReviewResolved):
		sink.Emit(ctx, sse.Event{Type: sse.EventTaskCreateReviewResolved, Data: json.RawMessage(r.Content)})
	}
}
