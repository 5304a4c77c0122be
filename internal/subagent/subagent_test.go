package subagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCatalog(t *testing.T, dir string, specs []Spec) {
	t.Helper()
	data, err := json.Marshal(specs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, registryFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCatalogMissingFileYieldsEmpty(t *testing.T) {
	c, err := LoadCatalog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Specs) != 0 {
		t.Fatalf("expected empty catalog, got %+v", c.Specs)
	}
}

func TestLoadCatalogParsesSpecs(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, []Spec{{ID: "researcher", Kind: KindAgent, Mode: ModeAI}})
	c, err := LoadCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Specs) != 1 || c.Specs[0].ID != "researcher" {
		t.Fatalf("unexpected catalog: %+v", c.Specs)
	}
}

func TestResolveByAgentID(t *testing.T) {
	c := &Catalog{Specs: []Spec{{ID: "a"}, {ID: "b"}}}
	s, err := Resolve(context.Background(), c, "", nil, ResolveRequest{AgentID: "b"})
	if err != nil || s.ID != "b" {
		t.Fatalf("expected exact id lookup, got %+v, err=%v", s, err)
	}
}

func TestResolveUnknownAgentIDErrors(t *testing.T) {
	c := &Catalog{Specs: []Spec{{ID: "a"}}}
	_, err := Resolve(context.Background(), c, "", nil, ResolveRequest{AgentID: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown agent id")
	}
}

func TestResolveFallsBackToKeywordScorerThenFirstAvailable(t *testing.T) {
	c := &Catalog{Specs: []Spec{
		{ID: "writer", Keywords: []string{"prose", "essay"}},
		{ID: "coder", Keywords: []string{"golang", "debug"}},
	}}
	s, err := Resolve(context.Background(), c, "", nil, ResolveRequest{Query: "please debug this golang panic"})
	if err != nil || s.ID != "coder" {
		t.Fatalf("expected keyword match to resolve coder, got %+v, err=%v", s, err)
	}

	s, err = Resolve(context.Background(), c, "", nil, ResolveRequest{})
	if err != nil || s.ID != "writer" {
		t.Fatalf("expected first-available fallback, got %+v, err=%v", s, err)
	}
}

func TestResolveWorkingDirRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveWorkingDir(root, "../../etc"); err == nil {
		t.Fatal("expected escape attempt to be rejected")
	}
	got, err := ResolveWorkingDir(root, "sub/dir")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(root, "sub/dir") {
		t.Fatalf("unexpected resolved dir: %s", got)
	}
}

func TestJobLogAppendsInOrderAndMirrors(t *testing.T) {
	var mirrored []Event
	mirror := sinkFunc(func(e Event) { mirrored = append(mirrored, e) })
	log := NewJobLog(mirror, nil)

	now := time.Now()
	log.Append("job-1", TransitionExecutePrepare, nil, now)
	log.Append("job-1", TransitionEnvReady, nil, now)

	events := log.Events("job-1")
	if len(events) != 2 || events[0].Transition != TransitionExecutePrepare || events[1].Transition != TransitionEnvReady {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(mirrored) != 2 {
		t.Fatalf("expected mirror to receive both events, got %d", len(mirrored))
	}
}

type sinkFunc func(Event)

func (f sinkFunc) Emit(e Event) { f(e) }

func TestCancelFlagsMarkBeforeCheck(t *testing.T) {
	flags := NewCancelFlags()
	if flags.IsCancelled("job-x") {
		t.Fatal("expected fresh job to be uncancelled")
	}
	flags.Cancel("job-x")
	if !flags.IsCancelled("job-x") {
		t.Fatal("expected cancel to be observed")
	}
}

func TestExecuteCommandModeRunsAndCapturesOutput(t *testing.T) {
	root := t.TempDir()
	log := NewJobLog(nil, nil)
	exec := NewExecutor(root, log, NewCancelFlags(), nil)

	spec := Spec{ID: "echoer", Mode: ModeCommand, Command: "echo", Args: []string{"hello"}}
	out, err := exec.Execute(context.Background(), "job-echo", spec, "", time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	transitions := log.Events("job-echo")
	if len(transitions) == 0 || transitions[0].Transition != TransitionExecutePrepare {
		t.Fatalf("expected execute_prepare first, got %+v", transitions)
	}
}

func TestExecuteSkipsWhenPrecheckCancelled(t *testing.T) {
	root := t.TempDir()
	log := NewJobLog(nil, nil)
	cancels := NewCancelFlags()
	cancels.Cancel("job-cancelled")
	exec := NewExecutor(root, log, cancels, nil)

	_, err := exec.Execute(context.Background(), "job-cancelled", Spec{Mode: ModeCommand, Command: "echo"}, "", time.Now(), nil)
	if err == nil {
		t.Fatal("expected precheck cancellation to short-circuit execution")
	}
}

func TestTracerWritesJSONLUnderLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	tracer, err := NewTracer(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracer.Write(Event{JobID: "j1", Transition: TransitionCommandStart, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected trace file to have content")
	}
}
