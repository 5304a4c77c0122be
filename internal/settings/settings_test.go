package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSInt(t *testing.T) {
	cases := []struct {
		in     string
		wantN  int64
		wantOK bool
	}{
		{"42px", 42, true},
		{"-7abc", -7, true},
		{"+12", 12, true},
		{"", 0, false},
		{"abc", 0, false},
		{"   5", 0, false}, // leading whitespace is not a sign or digit
		{"0", 0, true},
	}
	for _, c := range cases {
		n, ok := ParseJSInt(c.in)
		if ok != c.wantOK || (ok && n != c.wantN) {
			t.Errorf("ParseJSInt(%q) = (%d, %v), want (%d, %v)", c.in, n, ok, c.wantN, c.wantOK)
		}
	}
}

func TestResolvedBoolTruthy(t *testing.T) {
	r := NewResolver(nil).WithOverrides(map[string]string{
		"SUMMARY_ENABLED":         "1",
		"DYNAMIC_SUMMARY_ENABLED": "0",
	}, nil)

	if !r.Bool(SummaryEnabled) {
		t.Error("expected SUMMARY_ENABLED=1 to be truthy")
	}
	if r.Bool(DynamicSummaryEnabled) {
		t.Error("expected DYNAMIC_SUMMARY_ENABLED=0 to be falsy")
	}
	if r.Bool(MaxIterations) {
		t.Error("expected unset key to be falsy")
	}
}

func TestResolverPrecedenceRequestOverridesUser(t *testing.T) {
	r := NewResolver(Defaults{MaxIterations: "10"})
	resolved := r.WithOverrides(
		map[string]string{"MAX_ITERATIONS": "20"},
		map[string]string{"MAX_ITERATIONS": "30"},
	)
	if got := resolved.Int(MaxIterations, -1); got != 30 {
		t.Fatalf("expected request override to win, got %d", got)
	}
}

func TestResolverIgnoresUnknownKeys(t *testing.T) {
	r := NewResolver(nil)
	resolved := r.WithOverrides(map[string]string{"NOT_A_REAL_SETTING": "x"}, nil)
	if resolved.String("NOT_A_REAL_SETTING") != "" {
		t.Fatal("expected unknown key to be dropped")
	}
}

func TestResolverFallsBackToEnvDefaultThenBase(t *testing.T) {
	t.Setenv(string(ChatMaxTokens), "")
	defaults := EnvDefaults(Defaults{ChatMaxTokens: "4096"})
	r := NewResolver(defaults).WithOverrides(nil, nil)
	if got := r.Int(ChatMaxTokens, -1); got != 4096 {
		t.Fatalf("expected base default 4096, got %d", got)
	}
}

func TestLoadBootstrapDefaultsParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.json5")
	content := `{
		// trailing commas and comments are fine in json5
		MAX_ITERATIONS: 12,
		LOG_LEVEL: 'debug',
		NOT_A_REAL_SETTING: "dropped",
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	defaults, err := LoadBootstrapDefaults(path)
	if err != nil {
		t.Fatalf("LoadBootstrapDefaults: %v", err)
	}
	if defaults[MaxIterations] != "12" {
		t.Fatalf("expected MAX_ITERATIONS=12, got %q", defaults[MaxIterations])
	}
	if defaults[LogLevel] != "debug" {
		t.Fatalf("expected LOG_LEVEL=debug, got %q", defaults[LogLevel])
	}
	if _, ok := defaults[Key("NOT_A_REAL_SETTING")]; ok {
		t.Fatal("expected unknown key to be dropped")
	}
}

func TestLoadBootstrapDefaultsMissingFileIsNotError(t *testing.T) {
	defaults, err := LoadBootstrapDefaults(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("expected missing bootstrap file to be tolerated, got %v", err)
	}
	if len(defaults) != 0 {
		t.Fatalf("expected empty defaults, got %+v", defaults)
	}
}

func TestLoadBootstrapDefaultsEmptyPathIsNoop(t *testing.T) {
	defaults, err := LoadBootstrapDefaults("")
	if err != nil {
		t.Fatalf("expected empty path to be a no-op, got %v", err)
	}
	if len(defaults) != 0 {
		t.Fatalf("expected empty defaults, got %+v", defaults)
	}
}
