// Package subagent implements the sub-agent router (spec.md §4.H): the
// builtin run_sub_agent tool, its agent/skill catalog, resolution cascade,
// command/AI execution modes, job log, cancellation, and JSONL tracing.
//
// Grounded on internal/multiagent/subagent_registry.go's run-record/status
// vocabulary (SubagentRunStatus, pending/running/completed/error/timeout)
// and internal/multiagent/router.go's catalog/resolution shape, adapted
// from "route between live sibling sessions" to "resolve and execute one
// agent or skill spec from a JSON catalog" per spec §4.H.
package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind discriminates a catalog entry.
type Kind string

const (
	KindAgent Kind = "agent"
	KindSkill Kind = "skill"
)

// ExecMode selects how a resolved entry runs.
type ExecMode string

const (
	ModeCommand ExecMode = "command" // spawn a subprocess
	ModeAI      ExecMode = "ai"      // nested turn orchestrator
)

// Spec is one catalog entry: an agent or a skill.
type Spec struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Category    string   `json:"category,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	Mode ExecMode `json:"mode"`

	// Command mode
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"` // absolute, or relative under workspace root

	// AI mode
	Model           string   `json:"model,omitempty"`
	AllowedPrefixes []string `json:"allowed_tool_prefixes,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
}

// Catalog is the in-memory agent/skill registry, loaded from a JSON file
// under the state root directory.
type Catalog struct {
	Specs []Spec
}

// DefaultStateRoot is spec §4.H's default state-root directory, relative to
// the user's home directory.
const DefaultStateRoot = ".chatos/builtin_sub_agent_router"

// StateRoot resolves the state root, honoring an override (e.g. from
// settings) and falling back to $HOME/DefaultStateRoot.
func StateRoot(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultStateRoot), nil
}

// registryFile is the catalog JSON file's name under stateRoot.
const registryFile = "registry.json"

// gitCacheDir is where a remote catalog repository is cloned, per
// state_root/git-cache/<repo>.
const gitCacheDir = "git-cache"

// LoadCatalog reads the JSON registry file under stateRoot. A missing file
// yields an empty catalog, not an error — the router falls back to
// whatever specs were registered programmatically.
func LoadCatalog(stateRoot string) (*Catalog, error) {
	path := filepath.Join(stateRoot, registryFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	var specs []Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &Catalog{Specs: specs}, nil
}

// ByID looks up a spec by exact id.
func (c *Catalog) ByID(id string) (Spec, bool) {
	for _, s := range c.Specs {
		if s.ID == id {
			return s, true
		}
	}
	return Spec{}, false
}

// ByCategory returns every spec whose Category matches, in catalog order.
func (c *Catalog) ByCategory(category string) []Spec {
	var out []Spec
	for _, s := range c.Specs {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}

// FirstAvailable returns the catalog's first entry, used as the resolution
// cascade's last-resort fallback.
func (c *Catalog) FirstAvailable() (Spec, bool) {
	if len(c.Specs) == 0 {
		return Spec{}, false
	}
	return c.Specs[0], true
}

// latestGitCacheRepo resolves state_root/git-cache/<repo> to the most-recently
// modified repository checkout, returning its path, modification time and
// whether one was found, for grounding LLM-based resolution with
// agents.md / agent-skills.md.
func latestGitCacheRepo(stateRoot string) (string, time.Time, bool) {
	dir := filepath.Join(stateRoot, gitCacheDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}, false
	}
	var best string
	var bestMtime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMtime) {
			best, bestMtime = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	if best == "" {
		return "", time.Time{}, false
	}
	return best, bestMtime, true
}

// DocPaths returns the agents.md/agent-skills.md paths inside the latest
// cached repository, for grounding an LLM-based resolution query.
func DocPaths(stateRoot string) (agentsMD, skillsMD string, ok bool) {
	repo, _, found := latestGitCacheRepo(stateRoot)
	if !found {
		return "", "", false
	}
	return filepath.Join(repo, "agents.md"), filepath.Join(repo, "agent-skills.md"), true
}

// sortedKeywordScore is a deterministic rules-based scorer used when LLM
// resolution is unavailable: counts query-keyword overlaps, case-folded.
func sortedKeywordScore(query string, specs []Spec) []Spec {
	type scored struct {
		spec  Spec
		score int
	}
	var out []scored
	queryLower := strings.ToLower(query)
	for _, s := range specs {
		score := 0
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(queryLower, strings.ToLower(kw)) {
				score++
			}
		}
		out = append(out, scored{s, score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	result := make([]Spec, len(out))
	for i, s := range out {
		result[i] = s.spec
	}
	return result
}
