package calllog

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calls.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndHistory(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	s.Record(Record{
		SessionID: "s1",
		CallerID:  "alice",
		CalleeID:  "bob",
		MediaKind: "video",
		EndReason: "hung_up",
		CreatedAt: base,
		StartedAt: base.Add(3 * time.Second),
		EndedAt:   base.Add(63 * time.Second),
	})
	s.Record(Record{
		SessionID: "s2",
		CallerID:  "carol",
		CalleeID:  "alice",
		MediaKind: "audio",
		EndReason: "timed_out",
		CreatedAt: base.Add(time.Hour),
		EndedAt:   base.Add(time.Hour + 30*time.Second),
	})
	s.Record(Record{
		SessionID: "s3",
		CallerID:  "carol",
		CalleeID:  "dave",
		MediaKind: "audio",
		EndReason: "rejected",
		CreatedAt: base,
		EndedAt:   base.Add(5 * time.Second),
	})

	history, err := s.HistoryForUser(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("HistoryForUser: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len=%d, want 2", len(history))
	}
	// Newest first.
	if history[0].SessionID != "s2" || history[1].SessionID != "s1" {
		t.Fatalf("order=%s,%s want s2,s1", history[0].SessionID, history[1].SessionID)
	}
	if history[1].Duration() != time.Minute {
		t.Fatalf("duration=%v, want 1m", history[1].Duration())
	}
	if !history[0].StartedAt.IsZero() {
		t.Fatalf("unanswered call must have zero StartedAt, got %v", history[0].StartedAt)
	}
}

func TestRecordIsIdempotentPerSession(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	rec := Record{
		SessionID: "s1",
		CallerID:  "alice",
		CalleeID:  "bob",
		MediaKind: "audio",
		EndReason: "hung_up",
		CreatedAt: base,
		EndedAt:   base.Add(time.Second),
	}
	s.Record(rec)
	s.Record(rec)

	history, err := s.HistoryForUser(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("HistoryForUser: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len=%d, want 1", len(history))
	}
}

func TestHistoryLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 5; i++ {
		s.Record(Record{
			SessionID: string(rune('a' + i)),
			CallerID:  "alice",
			CalleeID:  "bob",
			MediaKind: "audio",
			EndReason: "hung_up",
			CreatedAt: base,
			EndedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}

	history, err := s.HistoryForUser(context.Background(), "alice", 3)
	if err != nil {
		t.Fatalf("HistoryForUser: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len=%d, want 3", len(history))
	}
}
