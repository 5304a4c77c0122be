package review

import (
	"context"
	"testing"
	"time"
)

func TestSubmitDecisionConfirmEmptyTasksFails(t *testing.T) {
	h := New()
	payload, id := h.CreateReview("s1", "t1", []DraftTask{{Title: "Build X"}}, 30*time.Second)
	_ = payload

	if err := h.SubmitDecision(id, ActionConfirm, nil, ""); err != ErrEmptyConfirm {
		t.Fatalf("expected ErrEmptyConfirm, got %v", err)
	}
}

func TestSubmitDecisionConfirmDeliversNormalizedDrafts(t *testing.T) {
	h := New()
	_, id := h.CreateReview("s1", "t1", []DraftTask{{Title: "Build X"}}, 30*time.Second)

	go func() {
		err := h.SubmitDecision(id, ActionConfirm, []DraftTask{{Title: "Build Y", Priority: PriorityHigh}}, "")
		if err != nil {
			t.Errorf("SubmitDecision: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(d.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(d.Tasks))
	}
	task := d.Tasks[0]
	if task.Title != "Build Y" || task.Priority != PriorityHigh || task.Status != StatusTodo || len(task.Tags) != 0 {
		t.Fatalf("unexpected normalized task: %+v", task)
	}
}

func TestSubmitDecisionCancelDeliversEmptyWithReason(t *testing.T) {
	h := New()
	_, id := h.CreateReview("s1", "t1", []DraftTask{{Title: "Build X"}}, 30*time.Second)

	go func() {
		if err := h.SubmitDecision(id, ActionCancel, nil, "changed my mind"); err != nil {
			t.Errorf("SubmitDecision: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Action != ActionCancel || len(d.Tasks) != 0 || d.Reason != "changed my mind" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestWaitTimesOutAndRemovesEntry(t *testing.T) {
	h := New()
	_, id := h.CreateReview("s1", "t1", []DraftTask{{Title: "Build X"}}, MinTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx, id)
	if err != ErrReviewTimeout {
		t.Fatalf("expected ErrReviewTimeout, got %v", err)
	}

	if err := h.SubmitDecision(id, ActionCancel, nil, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after timeout cleanup, got %v", err)
	}
}

func TestCreateReviewClampsTimeout(t *testing.T) {
	h := New()
	p, _ := h.CreateReview("s1", "t1", nil, time.Millisecond)
	if p.TimeoutMillis != MinTimeout.Milliseconds() {
		t.Fatalf("expected timeout clamped to MinTimeout, got %d", p.TimeoutMillis)
	}

	p2, _ := h.CreateReview("s1", "t1", nil, 48*time.Hour)
	if p2.TimeoutMillis != MaxTimeout.Milliseconds() {
		t.Fatalf("expected timeout clamped to MaxTimeout, got %d", p2.TimeoutMillis)
	}
}

func TestDraftTaskNormalizeDedupesTags(t *testing.T) {
	d := DraftTask{Title: "  hi  ", Tags: []string{" a", "a", "b ", "", "  "}}
	n := d.Normalize()
	if n.Title != "hi" {
		t.Fatalf("expected trimmed title, got %q", n.Title)
	}
	if len(n.Tags) != 2 || n.Tags[0] != "a" || n.Tags[1] != "b" {
		t.Fatalf("unexpected tags: %v", n.Tags)
	}
}
