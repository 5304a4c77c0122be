package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/turnforge/turnforge/internal/subagent"
	"github.com/turnforge/turnforge/internal/toolexec"
)

// subAgentArgs is the JSON arguments shape a calling model supplies to the
// run_sub_agent builtin tool.
type subAgentArgs struct {
	AgentID   string `json:"agent_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Category  string `json:"category,omitempty"`
	Query     string `json:"query,omitempty"`
	Task      string `json:"task" jsonschema:"required"`
}

// registerSubAgentTool wires component H's catalog/router/executor behind a
// single builtin tool, so the main turn orchestrator can hand off work to a
// sub-agent the same way it calls any other tool.
func registerSubAgentTool(registry *toolexec.Registry, catalog *subagent.Catalog, stateRoot string, executor *subagent.Executor, llm subagent.LLMResolver) {
	handler := func(ctx context.Context, arguments string) (string, bool) {
		var args subAgentArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return `{"error":"invalid arguments"}`, true
		}
		spec, err := subagent.Resolve(ctx, catalog, stateRoot, llm, subagent.ResolveRequest{
			AgentID:   args.AgentID,
			CommandID: args.CommandID,
			Category:  args.Category,
			Query:     args.Query,
		})
		if err != nil {
			return `{"error":"` + err.Error() + `"}`, true
		}

		jobID := uuid.NewString()
		output, err := executor.Execute(ctx, jobID, spec, args.Task, time.Now(), nil)
		if err != nil {
			return `{"error":"` + err.Error() + `"}`, true
		}
		return output, false
	}

	registry.RegisterTool(toolexec.ToolDescriptor{
		Name:             "run_sub_agent",
		Description:      "Delegate a task to a specialized sub-agent resolved from the sub-agent catalog, either by id, category, or free-text query.",
		ParametersSchema: toolexec.StructSchema(&subAgentArgs{}),
	}, &toolexec.BuiltinBackend{Handlers: map[string]toolexec.BuiltinHandler{"run_sub_agent": handler}})
}
