// Package bgworker implements the background summary worker (spec.md
// §4.I): a single ticking worker that, once per poll interval, compacts
// sessions whose tail has grown past their per-session summary-job
// configuration, skipping sessions still inside cooldown.
//
// Grounded on internal/tasks/scheduler.go's SchedulerConfig (PollInterval,
// MaxConcurrency defaults) and internal/cron/scheduler.go's ticker/Option
// construction idiom, adapted from "run scheduled prompts" to "poll A for
// pending summaries and run D against them". The optional calendar-aligned
// schedule (AlignTo) reuses internal/cron/schedule.go's robfig/cron parser
// instead of the fixed-interval ticker, for deployments that want
// compaction sweeps to land on wall-clock boundaries (e.g. every 15 minutes
// on the quarter-hour) rather than PollInterval-since-process-start.
package bgworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/turnforge/turnforge/internal/bisect"
	"github.com/turnforge/turnforge/internal/storage"
)

// JobConfig is one session's effective summary-job configuration: per-user
// override layered over environment defaults (spec §4.I step 2).
type JobConfig struct {
	Enabled      bool
	TokenLimit   int           // floor 500
	RoundLimit   int           // floor 1
	TargetTokens int           // floor 200
	Interval     time.Duration // floor 10s
}

// clamp applies spec §4.I's stated minima.
func (c JobConfig) clamp() JobConfig {
	if c.TokenLimit < 500 {
		c.TokenLimit = 500
	}
	if c.RoundLimit < 1 {
		c.RoundLimit = 1
	}
	if c.TargetTokens < 200 {
		c.TargetTokens = 200
	}
	if c.Interval < 10*time.Second {
		c.Interval = 10 * time.Second
	}
	return c
}

// ConfigResolver loads a session's effective job configuration.
type ConfigResolver interface {
	Resolve(ctx context.Context, sessionID string) (JobConfig, error)
}

// Compactor runs D (context compaction) against a session's full tail.
type Compactor interface {
	CompactSession(ctx context.Context, sessionID string) error
}

// Config parameterizes the worker.
type Config struct {
	PollInterval       time.Duration // default 10s, ignored when AlignTo is set
	MaxSessionsPerTick int           // default unbounded when <= 0
	Logger             *slog.Logger

	// AlignTo is an optional standard cron expression (seconds-optional,
	// as accepted by robfig/cron/v3's default parser); when set, ticks
	// fire on the parsed schedule's calendar boundaries instead of every
	// PollInterval since Start was called.
	AlignTo string
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// schedule parses AlignTo, if set, returning nil (no error) when unset.
func (c Config) schedule() (cron.Schedule, error) {
	if c.AlignTo == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(c.AlignTo)
	if err != nil {
		return nil, fmt.Errorf("bgworker: invalid align_to schedule %q: %w", c.AlignTo, err)
	}
	return sched, nil
}

// Worker runs one background summary tick loop.
type Worker struct {
	cfg       Config
	schedule  cron.Schedule // nil unless Config.AlignTo was set and valid
	repo      storage.Repository
	resolver  ConfigResolver
	compactor Compactor

	running atomic.Bool // overlap guard: a tick in progress skips the next

	mu          sync.Mutex
	lastChecked map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Worker. Call Start to begin ticking. An invalid
// Config.AlignTo expression is logged and falls back to PollInterval rather
// than failing construction, since schedule validity can't be known until
// after withDefaults resolves the logger.
func New(cfg Config, repo storage.Repository, resolver ConfigResolver, compactor Compactor) *Worker {
	cfg = cfg.withDefaults()
	sched, err := cfg.schedule()
	if err != nil {
		cfg.Logger.Warn("bgworker: falling back to fixed poll interval", "error", err)
	}
	return &Worker{
		cfg:         cfg,
		schedule:    sched,
		repo:        repo,
		resolver:    resolver,
		compactor:   compactor,
		lastChecked: make(map[string]time.Time),
		stop:        make(chan struct{}),
	}
}

// Start begins the poll loop in a background goroutine. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	if w.schedule != nil {
		w.startAligned(ctx)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// startAligned runs the tick loop on the parsed cron schedule's boundaries,
// recomputing the next firing time after every tick (and after every skip)
// rather than using a fixed-period ticker.
func (w *Worker) startAligned(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		now := time.Now()
		next := w.schedule.Next(now)
		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-w.stop:
				timer.Stop()
				return
			case <-timer.C:
				w.tick(ctx)
				next = w.schedule.Next(time.Now())
			}
		}
	}()
}

// Stop ends the poll loop and waits for any in-flight tick to finish.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// tick implements spec §4.I's single-pass procedure, skipped entirely if a
// previous tick is still running (the non-overlap guard).
func (w *Worker) tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	limit := w.cfg.MaxSessionsPerTick
	sessions, err := w.repo.ListSessionsWithPendingSummary(ctx, limit)
	if err != nil {
		w.cfg.Logger.Error("bgworker: list pending summary sessions failed", "error", err)
		return
	}

	now := time.Now()
	for _, s := range sessions {
		jobCfg, err := w.resolver.Resolve(ctx, s.SessionID)
		if err != nil {
			w.cfg.Logger.Error("bgworker: resolve job config failed", "session_id", s.SessionID, "error", err)
			continue
		}
		jobCfg = jobCfg.clamp()
		if !jobCfg.Enabled {
			continue
		}

		if w.withinCooldown(s.SessionID, jobCfg.Interval, now) {
			continue
		}
		w.markChecked(s.SessionID, now)

		if err := w.compactor.CompactSession(ctx, s.SessionID); err != nil {
			w.cfg.Logger.Error("bgworker: compaction failed", "session_id", s.SessionID, "error", err)
			continue
		}
	}
}

func (w *Worker) withinCooldown(sessionID string, interval time.Duration, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastChecked[sessionID]
	if !ok {
		return false
	}
	return now.Sub(last) < interval
}

func (w *Worker) markChecked(sessionID string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastChecked[sessionID] = now
}

// RepositoryCompactor adapts A + D into the Compactor seam: it loads a
// session's full tail and runs bisect.Compact, persisting the resulting
// summary back through A.
type RepositoryCompactor struct {
	Repo   storage.Repository
	Client bisect.SummaryLlmClient
	Config bisect.Config
}

// CompactSession implements Compactor.
func (c *RepositoryCompactor) CompactSession(ctx context.Context, sessionID string) error {
	msgs, err := c.Repo.GetMessagesBySession(ctx, sessionID, 0, 0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	result, err := bisect.Compact(ctx, c.Client, msgs, c.Config)
	if err != nil {
		return err
	}

	stats := bisectStats(result)
	summary := summaryFromResult(sessionID, c.Config, stats, result, msgs)
	_, err = c.Repo.AppendSummary(ctx, storage.AppendSummaryInput{Summary: summary})
	return err
}
