package subagent

import (
	"context"
	"fmt"
	"strings"
)

// ResolveRequest is the shape the run_sub_agent tool's resolution
// arguments take (spec §4.H "Resolution").
type ResolveRequest struct {
	AgentID  string
	CommandID string
	Category string
	Query    string
	Skills   []string
}

// LLMResolver asks a language model to choose an agent id, grounded by the
// catalog's docs. Returns "" when it has no opinion.
type LLMResolver interface {
	Resolve(ctx context.Context, req ResolveRequest, agentsMD, skillsMD string, candidates []Spec) (agentID string, err error)
}

// Resolve implements spec §4.H's cascade: id lookup, then LLM-grounded
// choice (if a resolver and cached docs are available), then a rules-based
// keyword scorer, then the catalog's first available entry.
func Resolve(ctx context.Context, catalog *Catalog, stateRoot string, llm LLMResolver, req ResolveRequest) (Spec, error) {
	if req.AgentID != "" {
		if s, ok := catalog.ByID(req.AgentID); ok {
			return s, nil
		}
		return Spec{}, fmt.Errorf("no agent registered with id %q", req.AgentID)
	}
	if req.CommandID != "" {
		if s, ok := catalog.ByID(req.CommandID); ok {
			return s, nil
		}
	}

	candidates := catalog.Specs
	if req.Category != "" {
		candidates = catalog.ByCategory(req.Category)
	}

	if llm != nil && req.Query != "" {
		if agentsMD, skillsMD, ok := DocPaths(stateRoot); ok {
			if id, err := llm.Resolve(ctx, req, agentsMD, skillsMD, candidates); err == nil && id != "" {
				if s, ok := catalog.ByID(id); ok {
					return s, nil
				}
			}
		}
	}

	if req.Query != "" {
		scored := sortedKeywordScore(req.Query, candidates)
		if len(scored) > 0 && strings.TrimSpace(req.Query) != "" {
			best := scored[0]
			if hasAnyKeywordMatch(req.Query, best.Keywords) {
				return best, nil
			}
		}
	}

	if len(candidates) > 0 {
		return candidates[0], nil
	}
	if s, ok := catalog.FirstAvailable(); ok {
		return s, nil
	}
	return Spec{}, fmt.Errorf("no agent available to resolve request")
}

func hasAnyKeywordMatch(query string, keywords []string) bool {
	queryLower := strings.ToLower(query)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(queryLower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
