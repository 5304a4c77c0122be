package storage

import (
	"context"
	"testing"
	"time"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

func TestAppendMessageAssignsIDAndTimestamp(t *testing.T) {
	r := NewMemoryRepository()
	m, err := r.AppendMessage(context.Background(), AppendMessageInput{SessionID: "s1", Role: chatmodel.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected a generated id")
	}
	if m.CreatedAt.IsZero() {
		t.Fatal("expected a generated timestamp")
	}
}

func TestGetMessagesBySessionAscending(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.AppendMessage(ctx, AppendMessageInput{SessionID: "s1", Role: chatmodel.RoleUser, Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := r.GetMessagesBySession(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("GetMessagesBySession: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("expected ascending order by creation time")
		}
	}
}

func TestSameMillisecondFallsBackToInsertionOrder(t *testing.T) {
	r := NewMemoryRepository()
	now := time.Now().UTC()
	// Bypass AppendMessage's own clock to force a timestamp collision.
	r.messages["s1"] = []chatmodel.Message{
		{ID: "m1", SessionID: "s1", Content: "first", CreatedAt: now},
		{ID: "m2", SessionID: "s1", Content: "second", CreatedAt: now},
		{ID: "m3", SessionID: "s1", Content: "third", CreatedAt: now},
	}
	msgs, err := r.GetMessagesBySession(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("GetMessagesBySession: %v", err)
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" || msgs[2].ID != "m3" {
		t.Fatalf("expected insertion order preserved on timestamp tie, got %+v", msgs)
	}
}

func TestGetRecentReturnsNewestAscending(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		r.messages["s1"] = append(r.messages["s1"], chatmodel.Message{
			ID: string(rune('a' + i)), SessionID: "s1", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	recent, err := r.GetRecent(ctx, "s1", 3, 0)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent messages, got %d", len(recent))
	}
	if recent[0].ID != "h" || recent[2].ID != "j" {
		t.Fatalf("expected newest 3 ascending (h,i,j), got %+v", recent)
	}
}

func TestGetAfterStrictCursor(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()
	r.messages["s1"] = []chatmodel.Message{
		{ID: "m1", SessionID: "s1", CreatedAt: base},
		{ID: "m2", SessionID: "s1", CreatedAt: base.Add(time.Second)},
		{ID: "m3", SessionID: "s1", CreatedAt: base.Add(2 * time.Second)},
	}
	after, err := r.GetAfter(ctx, "s1", base, 0)
	if err != nil {
		t.Fatalf("GetAfter: %v", err)
	}
	if len(after) != 2 || after[0].ID != "m2" {
		t.Fatalf("expected strict > cursor to exclude m1, got %+v", after)
	}
}

func TestListSessionsWithPendingSummary(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	if _, err := r.AppendMessage(ctx, AppendMessageInput{SessionID: "pending", Role: chatmodel.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	r.messages["caught-up"] = []chatmodel.Message{{ID: "m1", SessionID: "caught-up", CreatedAt: base}}
	if _, err := r.AppendSummary(ctx, AppendSummaryInput{Summary: chatmodel.Summary{
		SessionID: "caught-up", LastMessageCreatedAt: base.Add(time.Second),
	}}); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}

	pending, err := r.ListSessionsWithPendingSummary(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessionsWithPendingSummary: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.SessionID == "caught-up" {
			t.Fatalf("did not expect caught-up session to be pending")
		}
		if p.SessionID == "pending" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the pending session to be listed")
	}
}

func TestAppendSummaryLinksAndLatestSummary(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := r.AppendSummary(ctx, AppendSummaryInput{
		Summary: chatmodel.Summary{
			SessionID:             "s1",
			Text:                  "a summary",
			FirstMessageCreatedAt: now,
			LastMessageCreatedAt:  now.Add(time.Minute),
		},
		LinkedMessageIDs: []string{"m1", "m2"},
	})
	if err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}
	if !s.Valid() {
		t.Fatal("expected first <= last invariant to hold")
	}

	got, err := r.LatestSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if got.Text != "a summary" {
		t.Fatalf("unexpected latest summary: %+v", got)
	}

	if _, err := r.LatestSummary(ctx, "unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
}
