package queue

import (
	"sync"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// MemQueue is a bounded FIFO of closed session records awaiting the recorder.
type MemQueue struct {
	mu   sync.Mutex
	data []domain.SessionRecord
	cap  int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{
		data: make([]domain.SessionRecord, 0, capacity),
		cap:  capacity,
	}
}

func (q *MemQueue) Enqueue(rec domain.SessionRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, rec)
	return true
}

func (q *MemQueue) DequeueBatch(max int) []domain.SessionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]domain.SessionRecord, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

// Requeue puts a failed batch back at the head, keeping as much of it as
// capacity allows. It returns how many records were dropped.
func (q *MemQueue) Requeue(batch []domain.SessionRecord) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	room := q.cap - len(q.data)
	if room <= 0 {
		return len(batch)
	}
	keep := batch
	if len(keep) > room {
		keep = keep[:room]
	}
	q.data = append(append(make([]domain.SessionRecord, 0, q.cap), keep...), q.data...)
	return len(batch) - len(keep)
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.RecordQueue = (*MemQueue)(nil)
