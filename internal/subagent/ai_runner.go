package subagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/turnforge/turnforge/internal/abort"
	"github.com/turnforge/turnforge/internal/chatmodel"
	"github.com/turnforge/turnforge/internal/provider"
	"github.com/turnforge/turnforge/internal/review"
	"github.com/turnforge/turnforge/internal/sse"
	"github.com/turnforge/turnforge/internal/storage"
	"github.com/turnforge/turnforge/internal/toolexec"
	"github.com/turnforge/turnforge/internal/turn"
)

// NestedAIRunner implements AIRunner by spinning up a nested turn
// orchestrator scoped to one job: its own in-memory repository (AI-mode
// sub-agent runs aren't part of the parent conversation's durable history),
// a tool registry filtered to spec.AllowedPrefixes, and an sse.Sink
// bridged into the job log's ai_content_stream/ai_reasoning_stream/
// ai_tools_* transitions.
type NestedAIRunner struct {
	Provider    provider.Client
	AllTools    *toolexec.Registry
	Concurrency int
}

// NewNestedAIRunner constructs a runner sharing the parent's provider client
// and full tool registry; each run filters the registry per-spec.
func NewNestedAIRunner(prov provider.Client, allTools *toolexec.Registry, concurrency int) *NestedAIRunner {
	return &NestedAIRunner{Provider: prov, AllTools: allTools, Concurrency: concurrency}
}

// Run executes spec's AI mode against task, mirroring provider/tool
// lifecycle events into the job log, and returns the final assistant
// message content.
func (r *NestedAIRunner) Run(ctx context.Context, jobID string, spec Spec, task string, log *JobLog) (string, error) {
	restricted := filterRegistry(r.AllTools, spec.AllowedPrefixes)
	exec := toolexec.NewExecutor(restricted, r.Concurrency)

	repo := storage.NewMemoryRepository()
	defer repo.Close()

	orch := turn.New(repo, r.Provider, exec, abort.New(), review.New())

	bridge := &jobLogSinkBridge{jobID: jobID, log: log}
	sink, out := sse.NewSink(sse.DefaultBackpressureConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range out {
			bridge.forward(e)
		}
	}()

	cfg := turn.Config{Model: spec.Model, MaxIterations: turn.DefaultMaxIterations}
	sessionID := "subagent:" + jobID
	userContent := task
	if spec.SystemPrompt != "" {
		userContent = spec.SystemPrompt + "\n\n" + task
	}

	err := orch.Run(ctx, sink, sessionID, userContent, cfg)
	sink.Close()
	<-done
	if err != nil {
		return "", err
	}

	msgs, merr := repo.GetMessagesBySession(ctx, sessionID, 0, 0)
	if merr != nil {
		return "", merr
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chatmodel.RoleAssistant {
			return msgs[i].Content, nil
		}
	}
	return "", fmt.Errorf("nested turn produced no assistant message")
}

// filterRegistry builds a new Registry exposing only tools whose qualified
// name starts with one of the allowed prefixes — spec §4.H's "its own
// allow-list of tool prefixes" for AI mode.
func filterRegistry(all *toolexec.Registry, prefixes []string) *toolexec.Registry {
	restricted := toolexec.NewRegistry()
	if len(prefixes) == 0 {
		return restricted
	}
	for _, desc := range all.ListToolsSorted() {
		for _, prefix := range prefixes {
			if strings.HasPrefix(desc.Name, prefix) {
				backend, ok := all.BackendFor(desc.Name)
				if ok {
					restricted.RegisterTool(desc, backend)
				}
				break
			}
		}
	}
	return restricted
}

// jobLogSinkBridge maps SSE event types onto the AI-mode job-log
// transitions spec §4.H names.
type jobLogSinkBridge struct {
	jobID string
	log   *JobLog
}

func (b *jobLogSinkBridge) forward(e sse.Event) {
	now := time.Now()
	switch e.Type {
	case sse.EventChunk:
		b.log.Append(b.jobID, TransitionAIContentStream, e.Data, now)
	case sse.EventThinking:
		b.log.Append(b.jobID, TransitionAIReasoningStream, e.Data, now)
	case sse.EventToolsStart:
		b.log.Append(b.jobID, TransitionAIToolsStart, e.Data, now)
	case sse.EventToolsStream:
		b.log.Append(b.jobID, TransitionAIToolsStream, e.Data, now)
	case sse.EventToolsEnd:
		b.log.Append(b.jobID, TransitionAIToolsEnd, e.Data, now)
	}
}
