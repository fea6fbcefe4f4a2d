package audit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLog_RecordAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)

	e1, err := log.Record(ctx, "approval.requested", "oncall-admin", "req-1", nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	e2, err := log.Record(ctx, "approval.approved", "oncall-admin", "req-1", nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("got seqs %d, %d; want 1, 2", e1.Seq, e2.Seq)
	}
}

func TestMemoryLog_QueryByAction(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	_, _ = log.Record(ctx, "approval.requested", "a", "req-1", nil)
	_, _ = log.Record(ctx, "approval.approved", "a", "req-1", nil)
	_, _ = log.Record(ctx, "approval.requested", "a", "req-2", nil)

	entries, err := log.Query(ctx, Query{Action: "approval.requested"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestMemoryLog_QueryBySubjectPrefix(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	_, _ = log.Record(ctx, "action.executed", "a", "incident/INC-1", nil)
	_, _ = log.Record(ctx, "action.executed", "a", "incident/INC-2", nil)
	_, _ = log.Record(ctx, "action.executed", "a", "runbook/RB-1", nil)

	entries, err := log.Query(ctx, Query{SubjectPrefix: "incident/"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestMemoryLog_QueryByTimeRange(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	_, _ = log.Record(ctx, "action.executed", "a", "s1", nil)
	mid := time.Now()
	time.Sleep(2 * time.Millisecond)
	_, _ = log.Record(ctx, "action.executed", "a", "s2", nil)

	entries, err := log.Query(ctx, Query{Since: mid})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "s2" {
		t.Fatalf("got %v, want only s2", entries)
	}
}

func TestMemoryLog_QueryRespectsLimit(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	for i := 0; i < 5; i++ {
		_, _ = log.Record(ctx, "action.executed", "a", "s", nil)
	}

	entries, err := log.Query(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestMemoryLog_CapEvictsOldestEntries(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(3)
	for i := 0; i < 5; i++ {
		_, _ = log.Record(ctx, "action.executed", "a", "s", nil)
	}

	entries, err := log.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (capped)", len(entries))
	}
	if entries[0].Seq != 3 {
		t.Fatalf("expected oldest surviving entry to be seq 3, got %d", entries[0].Seq)
	}
}

func TestMemoryLog_IsNotPersisted(t *testing.T) {
	log := NewMemoryLog(0)
	if log.Persisted() {
		t.Fatal("MemoryLog must report Persisted() == false")
	}
}

func TestMemoryLog_NoEntryIsEverMutatedByQuery(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	_, _ = log.Record(ctx, "action.executed", "a", "s1", map[string]interface{}{"k": "v"})

	entries, _ := log.Query(ctx, Query{})
	entries[0].Action = "tampered"

	entries2, _ := log.Query(ctx, Query{})
	if entries2[0].Action != "action.executed" {
		t.Fatal("audit log entry was mutated via a query-returned snapshot")
	}
}
