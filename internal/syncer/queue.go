package syncer

import (
	"sync"

	"github.com/tierstore/tierstore/pkg/types"
)

// Queue is the append-only change log consumed by the engine. Drain takes the
// whole log in one step, so no reader ever sees a partially drained queue.
type Queue struct {
	mu      sync.Mutex
	records []types.ChangeRecord
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Append records one completed mutation.
func (q *Queue) Append(rec types.ChangeRecord) {
	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()
}

// Drain returns every queued record, oldest first, and empties the queue.
func (q *Queue) Drain() []types.ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.records
	q.records = nil
	return out
}

// Requeue puts records from a failed pass back in front of anything
// appended since they were drained.
func (q *Queue) Requeue(recs []types.ChangeRecord) {
	if len(recs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]types.ChangeRecord, 0, len(recs)+len(q.records))
	merged = append(merged, recs...)
	q.records = append(merged, q.records...)
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
