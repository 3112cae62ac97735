package dlq

import (
	"context"
	"errors"
	"testing"

	"github.com/fusionradar/fusionradar/internal/fusion"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

func sampleRecord(key normalize.EntityKey) fusion.FusedRecord {
	return fusion.FusedRecord{NormMsg: normalize.NormMsg{Key: key}}
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := New(5)
	q.Enqueue(sampleRecord("vessel:1"), "history_write_failed")
	q.Enqueue(sampleRecord("vessel:2"), "history_write_failed")

	e1, ok := q.Dequeue()
	if !ok || e1.Record.Key != "vessel:1" {
		t.Fatalf("expected vessel:1 first, got %+v", e1)
	}
	e2, ok := q.Dequeue()
	if !ok || e2.Record.Key != "vessel:2" {
		t.Fatalf("expected vessel:2 second, got %+v", e2)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestRetrySweep_SuccessDrainsEntry(t *testing.T) {
	q := New(5)
	q.Enqueue(sampleRecord("vessel:1"), "history_write_failed")

	succeeded, escalated := q.RetrySweep(context.Background(), 10, func(ctx context.Context, rec fusion.FusedRecord) error {
		return nil
	})
	if succeeded != 1 || escalated != 0 {
		t.Fatalf("expected 1 success, got succeeded=%d escalated=%d", succeeded, escalated)
	}
	if len(q.Peek()) != 0 {
		t.Fatalf("dead queue should be empty")
	}
}

func TestRetrySweep_EscalatesAfterMaxRetries(t *testing.T) {
	q := New(2)
	q.Enqueue(sampleRecord("vessel:1"), "history_write_failed")

	failing := func(ctx context.Context, rec fusion.FusedRecord) error { return errors.New("still failing") }

	for i := 0; i < 2; i++ {
		q.RetrySweep(context.Background(), 10, failing)
	}

	dead := q.Peek()
	if len(dead) != 1 {
		t.Fatalf("expected entry to be escalated to dead queue, got %+v", dead)
	}
}

func TestRequeue_MovesDeadEntryBackToPending(t *testing.T) {
	q := New(1)
	q.Enqueue(sampleRecord("vessel:1"), "boom")
	q.RetrySweep(context.Background(), 10, func(ctx context.Context, rec fusion.FusedRecord) error {
		return errors.New("boom")
	})
	dead := q.Peek()
	if len(dead) != 1 {
		t.Fatalf("expected one dead entry")
	}

	if !q.Requeue(dead[0].ID) {
		t.Fatalf("expected requeue to succeed")
	}
	if len(q.Peek()) != 0 {
		t.Fatalf("expected dead queue empty after requeue")
	}
	e, ok := q.Dequeue()
	if !ok || e.RetryCount != 0 {
		t.Fatalf("expected requeued entry with reset retry count, got %+v", e)
	}
}

func TestDepth_ReportsPendingAndDeadCounts(t *testing.T) {
	q := New(1)
	q.Enqueue(sampleRecord("vessel:1"), "boom")
	q.Enqueue(sampleRecord("vessel:2"), "boom")
	if pending, dead := q.Depth(); pending != 2 || dead != 0 {
		t.Fatalf("expected pending=2 dead=0, got pending=%d dead=%d", pending, dead)
	}

	// Escalate only the front entry: batchSize 1 leaves the second pending.
	q.RetrySweep(context.Background(), 1, func(ctx context.Context, rec fusion.FusedRecord) error {
		return errors.New("boom")
	})
	if pending, dead := q.Depth(); pending != 1 || dead != 1 {
		t.Fatalf("expected pending=1 dead=1 after one escalation, got pending=%d dead=%d", pending, dead)
	}
}

func TestClear_EmptiesDeadQueue(t *testing.T) {
	q := New(1)
	q.Enqueue(sampleRecord("vessel:1"), "boom")
	q.RetrySweep(context.Background(), 10, func(ctx context.Context, rec fusion.FusedRecord) error {
		return errors.New("boom")
	})
	if n := q.Clear(); n != 1 {
		t.Fatalf("expected Clear to report 1 removed, got %d", n)
	}
	if len(q.Peek()) != 0 {
		t.Fatalf("expected dead queue empty after Clear")
	}
}
