package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// MemoryRepository is an in-memory Repository, safe for concurrent use. It
// backs tests and local/embedded deployments that don't need a database.
type MemoryRepository struct {
	mu        sync.RWMutex
	messages  map[string][]chatmodel.Message // sessionID -> insertion order
	summaries map[string][]chatmodel.Summary // sessionID -> insertion order, newest last
	seq       int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages:  make(map[string][]chatmodel.Message),
		summaries: make(map[string][]chatmodel.Summary),
	}
}

func (r *MemoryRepository) nextSeq() int64 {
	r.seq++
	return r.seq
}

func (r *MemoryRepository) AppendMessage(ctx context.Context, in AppendMessageInput) (chatmodel.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	m := chatmodel.Message{
		ID:         uuid.NewString(),
		SessionID:  in.SessionID,
		Role:       in.Role,
		Content:    in.Content,
		Parts:      in.Parts,
		ToolCalls:  in.ToolCalls,
		ToolCallID: in.ToolCallID,
		Reasoning:  in.Reasoning,
		Metadata:   in.Metadata,
		CreatedAt:  now,
	}
	r.messages[in.SessionID] = append(r.messages[in.SessionID], m)
	return m, nil
}

// stableSorted returns a copy of msgs ordered by CreatedAt, breaking ties by
// original (insertion) order — sort.SliceStable preserves that automatically
// since msgs is already in insertion order.
func stableSorted(msgs []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func paginate(msgs []chatmodel.Message, limit, offset int) []chatmodel.Message {
	if offset < 0 {
		offset = 0
	}
	if offset > len(msgs) {
		return nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return msgs[offset:end]
}

func (r *MemoryRepository) GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(stableSorted(r.messages[sessionID]), limit, offset), nil
}

func (r *MemoryRepository) GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := stableSorted(r.messages[sessionID])
	// Take the newest `limit` (after skipping `offset` from the newest end),
	// then return ascending.
	n := len(all)
	hi := n - offset
	if hi < 0 {
		hi = 0
	}
	lo := hi - limit
	if limit <= 0 || lo < 0 {
		lo = 0
	}
	return append([]chatmodel.Message{}, all[lo:hi]...), nil
}

func (r *MemoryRepository) GetAfter(ctx context.Context, sessionID string, cursorCreatedAt time.Time, limit int) ([]chatmodel.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := stableSorted(r.messages[sessionID])
	out := make([]chatmodel.Message, 0, len(all))
	for _, m := range all {
		if m.CreatedAt.After(cursorCreatedAt) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]PendingSummarySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PendingSummarySession
	for sid, msgs := range r.messages {
		if len(msgs) == 0 {
			continue
		}
		newestMsg := msgs[0].CreatedAt
		for _, m := range msgs {
			if m.CreatedAt.After(newestMsg) {
				newestMsg = m.CreatedAt
			}
		}
		var newestSummary time.Time
		if sums := r.summaries[sid]; len(sums) > 0 {
			newestSummary = sums[len(sums)-1].LastMessageCreatedAt
		}
		if newestMsg.After(newestSummary) {
			out = append(out, PendingSummarySession{
				SessionID:       sid,
				NewestMessageAt: newestMsg,
				NewestSummaryAt: newestSummary,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendSummary stores the summary record only: this repository keeps no
// link rows, so in.LinkedMessageIDs is not recorded.
func (r *MemoryRepository) AppendSummary(ctx context.Context, in AppendSummaryInput) (chatmodel.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := in.Summary
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.summaries[s.SessionID] = append(r.summaries[s.SessionID], s)
	return s, nil
}

func (r *MemoryRepository) LatestSummary(ctx context.Context, sessionID string) (chatmodel.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sums := r.summaries[sessionID]
	if len(sums) == 0 {
		return chatmodel.Summary{}, ErrNotFound
	}
	return sums[len(sums)-1], nil
}

func (r *MemoryRepository) Close() error { return nil }
