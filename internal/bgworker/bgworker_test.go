package bgworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/turnforge/turnforge/internal/storage"
)

type fakeResolver struct {
	cfg JobConfig
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, sessionID string) (JobConfig, error) {
	return f.cfg, f.err
}

type countingCompactor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *countingCompactor) CompactSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, sessionID)
	return c.err
}

func (c *countingCompactor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func seedPendingSession(t *testing.T, repo storage.Repository, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.AppendMessage(ctx, storage.AppendMessageInput{SessionID: sessionID, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
}

func TestTickCompactsEnabledSession(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedPendingSession(t, repo, "sess-1")

	compactor := &countingCompactor{}
	w := New(Config{PollInterval: time.Hour}, repo, &fakeResolver{cfg: JobConfig{Enabled: true}}, compactor)

	w.tick(context.Background())
	if compactor.count() != 1 {
		t.Fatalf("expected one compaction call, got %d", compactor.count())
	}
}

func TestTickSkipsDisabledSession(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedPendingSession(t, repo, "sess-1")

	compactor := &countingCompactor{}
	w := New(Config{PollInterval: time.Hour}, repo, &fakeResolver{cfg: JobConfig{Enabled: false}}, compactor)

	w.tick(context.Background())
	if compactor.count() != 0 {
		t.Fatalf("expected disabled session to be skipped, got %d calls", compactor.count())
	}
}

func TestTickRespectsCooldown(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedPendingSession(t, repo, "sess-1")

	compactor := &countingCompactor{}
	w := New(Config{PollInterval: time.Hour}, repo, &fakeResolver{cfg: JobConfig{Enabled: true, Interval: time.Hour}}, compactor)

	w.tick(context.Background())
	w.tick(context.Background())
	if compactor.count() != 1 {
		t.Fatalf("expected second tick within cooldown to skip, got %d calls", compactor.count())
	}
}

func TestTickSkipsWhenPreviousTickStillRunning(t *testing.T) {
	repo := storage.NewMemoryRepository()
	w := New(Config{PollInterval: time.Hour}, repo, &fakeResolver{cfg: JobConfig{Enabled: true}}, &countingCompactor{})
	w.running.Store(true) // simulate an in-flight tick

	// tick() should return immediately without clearing the flag (defer
	// only runs on the goroutine that acquired it).
	w.tick(context.Background())
	if !w.running.Load() {
		t.Fatal("expected overlap guard to remain set, since this tick should have been skipped")
	}
}

func TestTickContinuesAfterOneSessionFails(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedPendingSession(t, repo, "sess-1")
	seedPendingSession(t, repo, "sess-2")

	compactor := &countingCompactor{err: errors.New("boom")}
	w := New(Config{PollInterval: time.Hour}, repo, &fakeResolver{cfg: JobConfig{Enabled: true}}, compactor)

	w.tick(context.Background())
	if compactor.count() != 2 {
		t.Fatalf("expected both sessions attempted despite failures, got %d", compactor.count())
	}
}

func TestJobConfigClampsToMinima(t *testing.T) {
	cfg := JobConfig{TokenLimit: 10, RoundLimit: 0, TargetTokens: 50, Interval: time.Second}.clamp()
	if cfg.TokenLimit != 500 || cfg.RoundLimit != 1 || cfg.TargetTokens != 200 || cfg.Interval != 10*time.Second {
		t.Fatalf("unexpected clamped config: %+v", cfg)
	}
}

func TestNewParsesAlignToSchedule(t *testing.T) {
	repo := storage.NewMemoryRepository()
	w := New(Config{AlignTo: "*/15 * * * *"}, repo, &fakeResolver{}, &countingCompactor{})
	if w.schedule == nil {
		t.Fatal("expected a parsed cron schedule")
	}
}

func TestNewFallsBackOnInvalidAlignTo(t *testing.T) {
	repo := storage.NewMemoryRepository()
	w := New(Config{AlignTo: "not a schedule", PollInterval: time.Minute}, repo, &fakeResolver{}, &countingCompactor{})
	if w.schedule != nil {
		t.Fatal("expected invalid align_to to fall back to nil schedule (fixed interval)")
	}
	if w.cfg.PollInterval != time.Minute {
		t.Fatalf("expected PollInterval preserved for fallback, got %v", w.cfg.PollInterval)
	}
}
