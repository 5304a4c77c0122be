package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnforge/turnforge/internal/abort"
	"github.com/turnforge/turnforge/internal/bgworker"
	"github.com/turnforge/turnforge/internal/bisect"
	"github.com/turnforge/turnforge/internal/metrics"
	"github.com/turnforge/turnforge/internal/provider"
	"github.com/turnforge/turnforge/internal/review"
	"github.com/turnforge/turnforge/internal/settings"
	"github.com/turnforge/turnforge/internal/sse"
	"github.com/turnforge/turnforge/internal/storage"
	"github.com/turnforge/turnforge/internal/toolexec"
	"github.com/turnforge/turnforge/internal/tracing"
	"github.com/turnforge/turnforge/internal/turn"
)

// App wires every component package together behind the HTTP surface spec
// §6 names. Grounded on cmd/nexus/main.go's subcommand-builds-
// a-runtime-then-runs-it shape, generalized from the channel-gateway
// runtime to the turn-orchestration runtime.
type App struct {
	Repo       storage.Repository
	Providers  map[string]provider.Client
	Tools      *toolexec.Registry
	Aborts     *abort.Registry
	Reviews    *review.Hub
	Settings   *settings.Resolver
	Metrics    *metrics.Metrics
	Tracer     *tracing.Tracer
	Logger     *slog.Logger
	CORSOrigins string
}

func (a *App) defaultProvider() provider.Client {
	if c, ok := a.Providers["anthropic"]; ok {
		return c
	}
	for _, c := range a.Providers {
		return c
	}
	return nil
}

// chatStreamRequest is the POST body for /api/agent_v3/agents/chat/stream.
type chatStreamRequest struct {
	SessionID        string `json:"session_id"`
	Content          string `json:"content"`
	AgentID          string `json:"agent_id"`
	UserID           string `json:"user_id,omitempty"`
	ReasoningEnabled bool   `json:"reasoning_enabled,omitempty"`
	ThinkingLevel    string `json:"thinking_level,omitempty"` // gpt-only; none|minimal|low|medium|high|xhigh
}

func (a *App) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, httpSpan := a.Tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
	defer httpSpan.End()
	r = r.WithContext(ctx)

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)

	prov := a.defaultProvider()
	if prov == nil {
		http.Error(w, "no provider configured", http.StatusInternalServerError)
		return
	}

	exec := toolexec.NewExecutor(a.Tools, 4).
		WithObserver(func(toolName string, isError bool, d time.Duration) {
			a.Metrics.ObserveToolExecution(toolName, isError, d)
		}).
		WithTracer(a.Tracer)
	orch := turn.New(a.Repo, prov, exec, a.Aborts, a.Reviews)
	orch.Metrics = a.Metrics
	orch.Tracer = a.Tracer

	resolved := a.Settings.WithOverrides(nil, nil)
	cfg := turn.Config{
		Model:              firstNonEmpty(req.AgentID, "default"),
		MaxIterations:      int(resolved.Int(settings.MaxIterations, turn.DefaultMaxIterations)),
		HistoryLimit:       int(resolved.Int(settings.HistoryLimit, 200)),
		ReasoningRequested: req.ReasoningEnabled,
		SupportsReasoning:  true,
		ThinkingLevel:      req.ThinkingLevel,
		CompactionConfig:   bisect.DefaultConfig(),
	}

	sink, out := sse.NewSink(sse.DefaultBackpressureConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sse.WriteStream(r.Context(), w, out)
	}()

	err := orch.Run(r.Context(), sink, req.SessionID, req.Content, cfg)
	sink.Close()
	<-done
	if err != nil {
		a.Logger.Error("chat stream turn failed", "session_id", req.SessionID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// reviewDecisionRequest is the POST body for
// /api/task-manager/reviews/:id/decision.
type reviewDecisionRequest struct {
	Action review.Action       `json:"action"`
	Tasks  []review.DraftTask  `json:"tasks,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

func (a *App) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	reviewID := strings.TrimPrefix(r.URL.Path, "/api/task-manager/reviews/")
	reviewID = strings.TrimSuffix(reviewID, "/decision")
	if reviewID == "" {
		http.Error(w, "missing review id", http.StatusBadRequest)
		return
	}
	var req reviewDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := a.Reviews.SubmitDecision(reviewID, req.Action, req.Tasks, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// corsMiddleware applies spec §6's CORS_ORIGINS allow-list ("*" for any).
func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if a.CORSOrigins == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range strings.Split(a.CORSOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes builds the HTTP surface spec §6 names.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/", a.handleHealth)
	mux.HandleFunc("/api/agent_v3/agents/chat/stream", a.handleChatStream)
	mux.HandleFunc("/api/task-manager/reviews/", a.handleReviewDecision)
	mux.Handle("/metrics", promhttp.Handler())
	return a.corsMiddleware(mux)
}

// staticJobConfigResolver resolves every session to the same fixed
// JobConfig it was built with; no per-user or per-session override is
// applied.
type staticJobConfigResolver struct {
	cfg bgworker.JobConfig
}

func (r staticJobConfigResolver) Resolve(ctx context.Context, sessionID string) (bgworker.JobConfig, error) {
	return r.cfg, nil
}
