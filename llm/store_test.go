package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/c360studio/semspec/storage"
)

// fakeRecordStore is a minimal storage.Store good enough to exercise
// CallStore without a database.
type fakeRecordStore struct {
	storage.Store
	byTrace map[string][]*storage.CallRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{byTrace: map[string][]*storage.CallRecord{}}
}

func (f *fakeRecordStore) RecordLLMCall(ctx context.Context, rec *storage.CallRecord) error {
	f.byTrace[rec.TraceID] = append(f.byTrace[rec.TraceID], rec)
	return nil
}

func (f *fakeRecordStore) LLMCallsByTrace(ctx context.Context, traceID string) ([]*storage.CallRecord, error) {
	recs, ok := f.byTrace[traceID]
	if !ok {
		return nil, fmt.Errorf("no records for trace %s", traceID)
	}
	return recs, nil
}

func TestCallStoreStoreRequiresRequestID(t *testing.T) {
	store := NewCallStore(newFakeRecordStore())
	err := store.Store(context.Background(), &CallRecord{TraceID: "t1"})
	if err == nil {
		t.Error("expected error for missing request id")
	}
}

func TestCallStoreStoreAndGetByTraceID(t *testing.T) {
	backing := newFakeRecordStore()
	store := NewCallStore(backing)

	now := time.Now()
	rec1 := &CallRecord{RequestID: "r1", TraceID: "trace-a", Model: "m1", StartedAt: now}
	rec2 := &CallRecord{RequestID: "r2", TraceID: "trace-a", Model: "m2", StartedAt: now.Add(time.Second)}

	if err := store.Store(context.Background(), rec1); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := store.Store(context.Background(), rec2); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := store.GetByTraceID(context.Background(), "trace-a")
	if err != nil {
		t.Fatalf("GetByTraceID() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].RequestID != "r1" || got[1].RequestID != "r2" {
		t.Errorf("expected chronological order, got %s then %s", got[0].RequestID, got[1].RequestID)
	}
}

func TestCallStoreGetByTraceIDRequiresTraceID(t *testing.T) {
	store := NewCallStore(newFakeRecordStore())
	if _, err := store.GetByTraceID(context.Background(), ""); err == nil {
		t.Error("expected error for missing trace id")
	}
}

func TestSortByStartTime(t *testing.T) {
	now := time.Now()
	records := []*CallRecord{
		{RequestID: "later", StartedAt: now.Add(time.Minute)},
		{RequestID: "earlier", StartedAt: now},
	}
	SortByStartTime(records)
	if records[0].RequestID != "earlier" {
		t.Errorf("expected earlier record first, got %s", records[0].RequestID)
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	ctx := WithTraceContext(context.Background(), TraceContext{TraceID: "t", LoopID: "l"})
	tc := GetTraceContext(ctx)
	if tc.TraceID != "t" || tc.LoopID != "l" {
		t.Errorf("TraceContext = %+v", tc)
	}
	if empty := GetTraceContext(context.Background()); empty.TraceID != "" {
		t.Errorf("expected empty TraceContext for bare context, got %+v", empty)
	}
}
