// Package review implements the task-review hub: a synchronous rendezvous
// used when a tool proposes creating tasks that require human confirmation
// before the turn continues.
package review

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReviewTimeout is returned by Wait when the bounded timeout elapses
// before a decision is submitted.
var ErrReviewTimeout = errors.New("review_timeout")

// ErrNotFound is returned when an operation references an unknown review id.
var ErrNotFound = errors.New("review not found")

// ErrEmptyConfirm is returned by SubmitDecision when a confirm action
// carries no tasks.
var ErrEmptyConfirm = errors.New("confirm decision requires at least one task")

const (
	// MinTimeout is the minimum bound accepted for a review's timeout.
	MinTimeout = 10 * time.Second
	// MaxTimeout is the maximum bound accepted for a review's timeout.
	MaxTimeout = 24 * time.Hour
)

// Priority is a draft task's priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status is a draft task's status.
type Status string

const (
	StatusTodo    Status = "todo"
	StatusDoing   Status = "doing"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
)

// DraftTask is one proposed task awaiting (or resulting from) confirmation.
type DraftTask struct {
	Title    string
	Details  string
	Priority Priority
	Status   Status
	Tags     []string
	Due      *time.Time
}

// Normalize trims the title, defaults Priority/Status, and deduplicates
// non-empty trimmed tags in first-occurrence order.
func (d DraftTask) Normalize() DraftTask {
	d.Title = strings.TrimSpace(d.Title)
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if d.Status == "" {
		d.Status = StatusTodo
	}
	d.Tags = dedupeTags(d.Tags)
	return d
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Action is the decision a reviewer submits.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
)

// Decision is the outcome delivered to a waiter.
type Decision struct {
	Action Action
	Tasks  []DraftTask
	Reason string
}

// Payload is returned by CreateReview alongside the waitable future; it is
// the shape handed back to the caller that opened the review (e.g. to
// surface in an SSE event).
type Payload struct {
	ReviewID      string
	SessionID     string
	TurnID        string
	Drafts        []DraftTask
	TimeoutMillis int64
}

// pending is the guarded state for one open review.
type pending struct {
	decisionCh chan Decision
	closeOnce  sync.Once
}

func newPending() *pending {
	return &pending{decisionCh: make(chan Decision, 1)}
}

func (p *pending) deliver(d Decision) bool {
	delivered := false
	p.closeOnce.Do(func() {
		p.decisionCh <- d
		delivered = true
	})
	return delivered
}

// Hub is the guarded map of open reviews. All operations are O(1) under a
// single mutex with short critical sections, following the same guarded-map
// shape as internal/abort and the teacher's internal/jobs.Store.
type Hub struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// New creates an empty review hub.
func New() *Hub {
	return &Hub{pending: make(map[string]*pending)}
}

// CreateReview opens a new review and returns its payload plus an opaque
// future token to pass to Wait. timeout is clamped to [MinTimeout, MaxTimeout].
func (h *Hub) CreateReview(sessionID, turnID string, drafts []DraftTask, timeout time.Duration) (Payload, string) {
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	normalized := make([]DraftTask, len(drafts))
	for i, d := range drafts {
		normalized[i] = d.Normalize()
	}

	id := uuid.NewString()
	p := newPending()

	h.mu.Lock()
	h.pending[id] = p
	h.mu.Unlock()

	payload := Payload{
		ReviewID:      id,
		SessionID:     sessionID,
		TurnID:        turnID,
		Drafts:        normalized,
		TimeoutMillis: timeout.Milliseconds(),
	}
	return payload, id
}

// SubmitDecision fulfills the future registered under reviewID. On confirm,
// tasks (if non-empty) override the original drafts but must not be empty;
// on cancel, tasks is ignored and an empty list is delivered along with
// reason.
func (h *Hub) SubmitDecision(reviewID string, action Action, tasks []DraftTask, reason string) error {
	if action == ActionConfirm && len(tasks) == 0 {
		return ErrEmptyConfirm
	}

	h.mu.Lock()
	p, ok := h.pending[reviewID]
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	var decision Decision
	switch action {
	case ActionConfirm:
		normalized := make([]DraftTask, len(tasks))
		for i, t := range tasks {
			normalized[i] = t.Normalize()
		}
		decision = Decision{Action: ActionConfirm, Tasks: normalized}
	case ActionCancel:
		decision = Decision{Action: ActionCancel, Tasks: []DraftTask{}, Reason: reason}
	default:
		return errors.New("unknown review action")
	}

	if !p.deliver(decision) {
		return ErrNotFound
	}
	return nil
}

// Wait blocks until a decision is submitted for reviewID or ctx is
// cancelled/exceeds its deadline, whichever comes first. On timeout the
// pending entry is removed and ErrReviewTimeout is returned.
func (h *Hub) Wait(ctx context.Context, reviewID string) (Decision, error) {
	h.mu.Lock()
	p, ok := h.pending[reviewID]
	h.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotFound
	}

	select {
	case d := <-p.decisionCh:
		h.mu.Lock()
		delete(h.pending, reviewID)
		h.mu.Unlock()
		return d, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, reviewID)
		h.mu.Unlock()
		return Decision{}, ErrReviewTimeout
	}
}
