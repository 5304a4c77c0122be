package toolexec

import "testing"

func TestLoadGroupsQualifiesNamesByAlias(t *testing.T) {
	reg := NewRegistry()
	backend := &BuiltinBackend{Handlers: map[string]BuiltinHandler{}}
	reg.LoadGroups([]Group{
		{ID: "g1", Alias: "jira", Backend: backend, Tools: []ToolDescriptor{{Name: "search"}}},
		{ID: "g2", Alias: "github", Backend: backend, Tools: []ToolDescriptor{{Name: "search"}}},
	}, nil)

	names := map[string]bool{}
	for _, d := range reg.ListToolsSorted() {
		names[d.Name] = true
	}
	if !names["jira_search"] || !names["github_search"] {
		t.Fatalf("expected qualified names for both groups, got %+v", names)
	}
}

func TestLoadGroupsFiltersBySelectedIDs(t *testing.T) {
	reg := NewRegistry()
	backend := &BuiltinBackend{Handlers: map[string]BuiltinHandler{}}
	reg.LoadGroups([]Group{
		{ID: "g1", Alias: "jira", Backend: backend, Tools: []ToolDescriptor{{Name: "search"}}},
		{ID: "g2", Alias: "github", Backend: backend, Tools: []ToolDescriptor{{Name: "search"}}},
	}, map[string]bool{"g1": true})

	tools := reg.ListToolsSorted()
	if len(tools) != 1 || tools[0].Name != "jira_search" {
		t.Fatalf("expected only g1's tool registered, got %+v", tools)
	}
}

func TestListToolsSortedIsDeterministic(t *testing.T) {
	reg := NewRegistry()
	backend := &BuiltinBackend{Handlers: map[string]BuiltinHandler{}}
	reg.RegisterTool(ToolDescriptor{Name: "zeta"}, backend)
	reg.RegisterTool(ToolDescriptor{Name: "alpha"}, backend)
	out := reg.ListToolsSorted()
	if out[0].Name != "alpha" || out[1].Name != "zeta" {
		t.Fatalf("expected sorted order, got %+v", out)
	}
}
