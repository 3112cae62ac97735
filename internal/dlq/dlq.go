// Package dlq is the dead-letter queue for persistence failures.
// Entries come from the orchestrator's publish path (hot-view upserts that
// failed twice, history writes that failed or found the history channel
// full); the record is published on the bus either way, so a DLQ entry is a
// pending persistence retry, not a lost live update.
package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/fusionradar/fusionradar/internal/fusion"
	"github.com/fusionradar/fusionradar/internal/monitoring"
)

// Entry is one queued retry attempt.
type Entry struct {
	ID         string
	Record     fusion.FusedRecord
	Reason     string
	EnqueuedAt time.Time
	RetryCount int
}

// Queue holds a pending retry queue and a terminal dead queue. Single-reader:
// RetrySweep is meant to be driven by one goroutine at a time.
type Queue struct {
	mu         sync.Mutex
	pending    []Entry
	dead       []Entry
	maxRetries int
}

// New builds a Queue with the given max retry count before an entry is
// escalated to the dead queue (default 5).
func New(maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{maxRetries: maxRetries}
}

// Enqueue adds rec to the pending queue with reason, tagging it with a fresh
// id.
func (q *Queue) Enqueue(rec fusion.FusedRecord, reason string) Entry {
	e := Entry{ID: uuid.NewString(), Record: rec, Reason: reason, EnqueuedAt: time.Now()}
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.reportDepth()
	return e
}

// Dequeue pops the oldest pending entry, if any.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Entry{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	return e, true
}

func (q *Queue) requeueFront(e Entry) {
	q.mu.Lock()
	q.pending = append([]Entry{e}, q.pending...)
	q.mu.Unlock()
}

// RetrySweep pops up to batchSize pending entries and hands each to retry;
// on success the entry is dropped, on failure its retryCount is incremented
// and it is moved to the dead queue once it reaches maxRetries.
// retry receives ctx so callers can bound a single attempt with a deadline.
func (q *Queue) RetrySweep(ctx context.Context, batchSize int, retry func(context.Context, fusion.FusedRecord) error) (succeeded, escalated int) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var batch []Entry
	for i := 0; i < batchSize; i++ {
		e, ok := q.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, e)
	}

	for _, e := range batch {
		monitoring.DLQRetries.Inc()
		err := retry(ctx, e.Record)
		if err == nil {
			succeeded++
			continue
		}
		e.RetryCount++
		if e.RetryCount >= q.maxRetries {
			q.mu.Lock()
			q.dead = append(q.dead, e)
			q.mu.Unlock()
			monitoring.DLQEscalations.Inc()
			escalated++
			continue
		}
		q.requeueFront(e)
	}
	q.reportDepth()
	return succeeded, escalated
}

// RunSweeper drives RetrySweep on a fixed interval. The retry callback is
// wrapped in backoff.Retry with a single try, so each entry gets one attempt
// per sweep; the gap between attempts is the fixed sweep interval and does
// not grow with the entry's retry count.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration, batchSize int, retry func(context.Context, fusion.FusedRecord) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	backedOff := func(ctx context.Context, rec fusion.FusedRecord) error {
		op := func() (struct{}, error) {
			return struct{}{}, retry(ctx, rec)
		}
		_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(1))
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.RetrySweep(ctx, batchSize, backedOff)
		}
	}
}

func (q *Queue) reportDepth() {
	q.mu.Lock()
	pending, dead := len(q.pending), len(q.dead)
	q.mu.Unlock()
	monitoring.DLQDepth.WithLabelValues("pending").Set(float64(pending))
	monitoring.DLQDepth.WithLabelValues("dead").Set(float64(dead))
}

// Depth reports the current pending and dead queue lengths.
func (q *Queue) Depth() (pending, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.dead)
}

// Peek returns a snapshot of the dead queue for operator inspection.
func (q *Queue) Peek() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.dead...)
}

// Clear empties the dead queue, returning how many entries were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	q.dead = nil
	q.reportDepthLocked()
	return n
}

func (q *Queue) reportDepthLocked() {
	monitoring.DLQDepth.WithLabelValues("pending").Set(float64(len(q.pending)))
	monitoring.DLQDepth.WithLabelValues("dead").Set(float64(len(q.dead)))
}

// Requeue moves dead entry id back to pending with its retry count reset,
// for an operator-triggered retry.
func (q *Queue) Requeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.dead {
		if e.ID == id {
			e.RetryCount = 0
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			q.pending = append(q.pending, e)
			q.reportDepthLocked()
			return true
		}
	}
	return false
}
