package timeline

import (
	"context"
	"testing"

	"fixdad/server/internal/model"
)

// TestInMemoryStoreAppendAssignsSeq 验证 Append 为事件分配递增 seq，且不同 session 各自计数。
func TestInMemoryStoreAppendAssignsSeq(t *testing.T) {
	store := NewInMemoryStore(0)
	ctx := context.Background()

	seq1, err := store.Append(ctx, "s1", &model.Event{Type: model.EventGuideInit})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	seq2, err := store.Append(ctx, "s1", &model.Event{Type: model.EventGuideNext, Outcome: model.OutcomeDone})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", seq1, seq2)
	}

	other, err := store.Append(ctx, "s2", &model.Event{Type: model.EventGuideInit})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if other != 1 {
		t.Fatalf("expected independent seq for s2, got %d", other)
	}
}

// TestInMemoryStoreAppendIdempotentByEventID 验证相同 EventID 只存一次并返回同一 seq。
func TestInMemoryStoreAppendIdempotentByEventID(t *testing.T) {
	store := NewInMemoryStore(0)
	ctx := context.Background()

	seq1, err := store.Append(ctx, "s1", &model.Event{Type: model.EventGuideReset, EventID: "evt-1"})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	seq2, err := store.Append(ctx, "s1", &model.Event{Type: model.EventGuideReset, EventID: "evt-1"})
	if err != nil {
		t.Fatalf("append duplicate event: %v", err)
	}
	if seq2 != seq1 {
		t.Fatalf("expected same seq for duplicate event_id, got %d vs %d", seq1, seq2)
	}

	events, err := store.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event stored, got %d", len(events))
	}
}

// TestInMemoryStoreListReturnsCopy 验证修改 List 的返回值不影响内部状态。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore(0)
	ctx := context.Background()

	if _, err := store.Append(ctx, "s1", &model.Event{Type: model.EventAnalysisCommitted, Text: "Clogged drain"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := store.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	events[0].Type = "mutated"

	eventsAgain, err := store.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list events again: %v", err)
	}
	if eventsAgain[0].Type != model.EventAnalysisCommitted {
		t.Fatalf("expected internal data unchanged, got %q", eventsAgain[0].Type)
	}
}

// TestInMemoryStoreCapAndAfterSeq 验证超过上限时丢弃最旧事件，seq 继续递增，afterSeq 过滤生效。
func TestInMemoryStoreCapAndAfterSeq(t *testing.T) {
	store := NewInMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, "s1", &model.Event{Type: model.EventGuideNext}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 3 || events[2].Seq != 5 {
		t.Fatalf("expected seq 3..5 kept, got %+v", events)
	}

	tail, err := store.List(ctx, "s1", 4)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 5 {
		t.Fatalf("expected only seq 5, got %+v", tail)
	}

	empty, err := store.List(ctx, "missing", 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list for unknown session, got %v %v", empty, err)
	}
}
