// Package toolexec implements the tool registry and batch execution engine
// (spec.md §4.C): backend-agnostic dispatch (HTTP, stdio JSON-RPC, builtin),
// call deduplication by (name, argument-hash) with alias expansion, and
// bounded-concurrency fan-out that preserves batch-submission order.
package toolexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/turnforge/turnforge/internal/chatmodel"
	"github.com/turnforge/turnforge/internal/tracing"
)

// BackendKind discriminates how a tool group is dispatched.
type BackendKind string

const (
	BackendHTTP    BackendKind = "http"
	BackendStdio   BackendKind = "stdio"
	BackendBuiltin BackendKind = "builtin"
)

// ToolDescriptor is one entry returned by Registry.ListTools.
type ToolDescriptor struct {
	Name             string
	Description      string
	ParametersSchema map[string]any
}

// BuiltinHandler is an in-process tool implementation.
type BuiltinHandler func(ctx context.Context, arguments string) (content string, isError bool)

// Backend dispatches a single tool call to wherever it's implemented.
type Backend interface {
	Kind() BackendKind
	Call(ctx context.Context, name, arguments string) (content string, isError bool, err error)
}

// HTTPBackend dispatches calls as JSON POSTs against a per-group base URL.
// The actual HTTP client is injected so tests never touch the network.
type HTTPBackend struct {
	BaseURL string
	Do      func(ctx context.Context, baseURL, name, arguments string) (string, bool, error)
}

func (b *HTTPBackend) Kind() BackendKind { return BackendHTTP }

func (b *HTTPBackend) Call(ctx context.Context, name, arguments string) (string, bool, error) {
	return b.Do(ctx, b.BaseURL, name, arguments)
}

// StdioBackend speaks line-delimited JSON-RPC 2.0 to a (possibly reused)
// child process. Spawn/dispose and request-id bookkeeping live in the
// injected RPC client so this type stays a thin adapter.
type StdioBackend struct {
	RPC StdioRPCClient
}

// StdioRPCClient is the narrow capability toolexec needs from an MCP stdio
// transport: resolve one call by id, tolerating interleaved notifications.
type StdioRPCClient interface {
	Call(ctx context.Context, method string, params string) (result string, isError bool, err error)
	Dispose() error
}

func (b *StdioBackend) Kind() BackendKind { return BackendStdio }

func (b *StdioBackend) Call(ctx context.Context, name, arguments string) (string, bool, error) {
	return b.RPC.Call(ctx, name, arguments)
}

// BuiltinBackend calls an in-process function keyed by tool name.
type BuiltinBackend struct {
	Handlers map[string]BuiltinHandler
}

func (b *BuiltinBackend) Kind() BackendKind { return BackendBuiltin }

func (b *BuiltinBackend) Call(ctx context.Context, name, arguments string) (string, bool, error) {
	h, ok := b.Handlers[name]
	if !ok {
		return "tool not found: " + name, true, nil
	}
	content, isError := h(ctx, arguments)
	return content, isError, nil
}

// Registry resolves a tool name to the backend that implements it, and
// expands an enabled builtin group id into its handlers.
type Registry struct {
	mu          sync.RWMutex
	toolBackend map[string]Backend
	descriptors map[string]ToolDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		toolBackend: make(map[string]Backend),
		descriptors: make(map[string]ToolDescriptor),
	}
}

// RegisterTool binds one tool name to a backend and its descriptor.
func (r *Registry) RegisterTool(desc ToolDescriptor, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolBackend[desc.Name] = backend
	r.descriptors[desc.Name] = desc
}

// ListTools returns every registered tool's descriptor.
func (r *Registry) ListTools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

func (r *Registry) backendFor(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.toolBackend[name]
	return b, ok
}

// BackendFor exposes the backend bound to a registered tool name, so other
// packages (e.g. the sub-agent router building a restricted registry view)
// can re-register it elsewhere without reaching into unexported state.
func (r *Registry) BackendFor(name string) (Backend, bool) {
	return r.backendFor(name)
}

// suggestSubAgentSuffix is the special tool-name pattern that dedupes to a
// single execution regardless of arguments.
const suggestSubAgentSuffix = "_suggest_sub_agent"

func isSuggestSubAgent(name string) bool {
	return strings.HasSuffix(name, suggestSubAgentSuffix)
}

// dedupeKey groups a call for deduplication: suggest-sub-agent tools dedupe
// by name alone; everything else dedupes by (name, argument-hash).
func dedupeKey(name, arguments string) string {
	if isSuggestSubAgent(name) {
		return "suggest:" + name
	}
	sum := sha256.Sum256([]byte(arguments))
	return name + ":" + hex.EncodeToString(sum[:])
}

// Observer receives one completed dispatch's latency, for the ambient
// per-tool metrics the turn orchestrator wires in.
type Observer func(toolName string, isError bool, d time.Duration)

// Executor runs a batch of tool calls with bounded fan-out.
type Executor struct {
	registry    *Registry
	concurrency int
	observe     Observer
	tracer      *tracing.Tracer
}

// NewExecutor creates an executor bounded to concurrency simultaneous calls.
func NewExecutor(registry *Registry, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Executor{registry: registry, concurrency: concurrency}
}

// WithObserver attaches a latency/status observer invoked once per dispatched
// (deduplicated) call; nil disables observation.
func (e *Executor) WithObserver(obs Observer) *Executor {
	e.observe = obs
	return e
}

// WithTracer attaches a span tracer around each dispatched call; nil leaves
// tracing disabled (the tracer's own nil-receiver no-op also covers this).
func (e *Executor) WithTracer(t *tracing.Tracer) *Executor {
	e.tracer = t
	return e
}

// Execute dispatches calls concurrently (bounded fan-out), deduplicating by
// (name, argument-hash) — or by name alone for *_suggest_sub_agent — and
// returns one ToolResult per original call, in batch-submission order, with
// deduplicated calls sharing their representative's content. A failed call
// never aborts the batch; it is reported as content with metadata.error=true.
func (e *Executor) Execute(ctx context.Context, calls []chatmodel.ToolCall) []chatmodel.ToolResult {
	results := make([]chatmodel.ToolResult, len(calls))

	type group struct {
		representative int   // index of the first call with this dedupe key
		members        []int // all indices sharing this key, including representative
	}
	groups := make(map[string]*group)
	var order []string
	for i, c := range calls {
		key := dedupeKey(c.Name, c.Arguments)
		g, ok := groups[key]
		if !ok {
			g = &group{representative: i}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, i)
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	content := make(map[string]string)
	isError := make(map[string]bool)

	for _, key := range order {
		g := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func(key string, g *group) {
			defer wg.Done()
			defer func() { <-sem }()
			call := calls[g.representative]
			callCtx, span := e.tracer.TraceToolExecution(ctx, call.Name)
			start := time.Now()
			c, isErr, err := e.dispatch(callCtx, call)
			if err != nil {
				c, isErr = err.Error(), true
			}
			e.tracer.RecordError(span, err)
			span.End()
			if e.observe != nil {
				e.observe(call.Name, isErr, time.Since(start))
			}
			mu.Lock()
			content[key] = c
			isError[key] = isErr
			mu.Unlock()
		}(key, g)
	}
	wg.Wait()

	for _, key := range order {
		g := groups[key]
		for _, idx := range g.members {
			result := chatmodel.ToolResult{
				ToolCallID: calls[idx].ID,
				Content:    content[key],
			}
			if isError[key] {
				result.Metadata = map[string]any{"error": true}
			}
			results[idx] = result
		}
	}
	return results
}

func (e *Executor) dispatch(ctx context.Context, call chatmodel.ToolCall) (string, bool, error) {
	backend, ok := e.registry.backendFor(call.Name)
	if !ok {
		return "tool not found: " + call.Name, true, nil
	}
	return backend.Call(ctx, call.Name, call.Arguments)
}
