package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/icube-dev/traego/internal/trace"
)

func record(id string, started time.Time) trace.Record {
	return trace.Record{
		TraceID: id,
		Kind:    trace.KindChat,
		Method:  "POST",
		Path:    "/chat/completions",
		Status:  trace.StatusSuccess,
		Cost:    120 * time.Millisecond,
		Started: started,
		Summary: "ok",
	}
}

func TestStore_AppendAndList(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := record(trace.NewTraceID(), base.Add(time.Duration(i)*time.Minute))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if !recs[0].Started.Before(recs[2].Started) {
		t.Errorf("records not ordered oldest first")
	}
	if recs[0].Kind != trace.KindChat || recs[0].Status != trace.StatusSuccess {
		t.Errorf("record = %+v", recs[0])
	}
	if recs[0].Cost != 120*time.Millisecond {
		t.Errorf("Cost = %v, want 120ms", recs[0].Cost)
	}

	limited, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d records, want 2", len(limited))
	}
}

func TestStore_AppendIsIdempotentPerTraceID(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rec := record("fixed-id", time.Now())
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec.Summary = "updated"
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append again: %v", err)
	}

	recs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Summary != "updated" {
		t.Errorf("Summary = %q, want the replacement", recs[0].Summary)
	}
}

func TestStore_Purge(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := store.Append(ctx, record(trace.NewTraceID(), base.AddDate(0, 0, i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := store.Purge(ctx, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	recs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("remaining = %d, want 2", len(recs))
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- store.Append(ctx, record(trace.NewTraceID(), time.Now()))
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != n {
		t.Errorf("records = %d, want %d", len(recs), n)
	}
}
