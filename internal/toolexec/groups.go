package toolexec

import "sort"

// Group is one enabled tool source: a set of descriptors sharing a backend
// and an alias prefix (spec §4.C's `<alias>_<prefix>` naming convention, so
// two groups exposing a same-named underlying tool never collide).
type Group struct {
	ID      string
	Alias   string
	Backend Backend
	Tools   []ToolDescriptor
}

// qualifiedName returns the registry-visible name for a tool inside a group.
func qualifiedName(alias, toolName string) string {
	if alias == "" {
		return toolName
	}
	return alias + "_" + toolName
}

// LoadGroups registers every tool in each enabled group under its qualified
// name, replacing whatever the registry previously held for those names.
// selectedIDs, when non-empty, restricts registration to groups whose ID is
// present in it — the per-(user, selected ids) filter spec §4.C requires.
func (r *Registry) LoadGroups(groups []Group, selectedIDs map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range groups {
		if len(selectedIDs) > 0 && !selectedIDs[g.ID] {
			continue
		}
		for _, desc := range g.Tools {
			qualified := desc
			qualified.Name = qualifiedName(g.Alias, desc.Name)
			r.toolBackend[qualified.Name] = g.Backend
			r.descriptors[qualified.Name] = qualified
		}
	}
}

// ListToolsSorted is ListTools with a deterministic name order, which the
// `list_tools()` operation's response shape depends on.
func (r *Registry) ListToolsSorted() []ToolDescriptor {
	out := r.ListTools()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
