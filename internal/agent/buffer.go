package agent

import (
	"sync"
	"time"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

// DefaultBufferCapacity bounds each partition unless overridden per kind.
const DefaultBufferCapacity = 100

// Snapshot is a read-only copy of buffered observations, oldest first.
type Snapshot map[domain.Kind][]domain.Observation

// Of returns the observations of one kind.
func (s Snapshot) Of(kind domain.Kind) []domain.Observation { return s[kind] }

// Latest returns the most recent observation of kind.
func (s Snapshot) Latest(kind domain.Kind) (domain.Observation, bool) {
	part := s[kind]
	if len(part) == 0 {
		return domain.Observation{}, false
	}
	return part[len(part)-1], true
}

// ObservationBuffer keeps the most recent observations per kind in arrival
// order. All partitions share one mutex that is held only while copying.
type ObservationBuffer struct {
	mu    sync.Mutex
	parts map[domain.Kind][]domain.Observation
	caps  map[domain.Kind]int
	cap   int
}

func NewObservationBuffer(capacity int) *ObservationBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &ObservationBuffer{
		parts: make(map[domain.Kind][]domain.Observation),
		caps:  make(map[domain.Kind]int),
		cap:   capacity,
	}
}

// SetCapacity overrides the cap of one partition and trims it if needed.
func (b *ObservationBuffer) SetCapacity(kind domain.Kind, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity <= 0 {
		delete(b.caps, kind)
	} else {
		b.caps[kind] = capacity
	}
	b.parts[kind] = evict(b.parts[kind], b.capLocked(kind))
}

func (b *ObservationBuffer) Ingest(obs domain.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts[obs.Kind] = evict(append(b.parts[obs.Kind], obs), b.capLocked(obs.Kind))
}

// Snapshot copies one partition, or every partition when kind is empty.
func (b *ObservationBuffer) Snapshot(kind domain.Kind) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind != "" {
		part := b.parts[kind]
		if len(part) == 0 {
			return Snapshot{}
		}
		return Snapshot{kind: append([]domain.Observation(nil), part...)}
	}

	out := make(Snapshot, len(b.parts))
	for k, part := range b.parts {
		if len(part) == 0 {
			continue
		}
		out[k] = append([]domain.Observation(nil), part...)
	}
	return out
}

func (b *ObservationBuffer) Len(kind domain.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parts[kind])
}

// TrimBefore drops observations of kind older than cutoff.
func (b *ObservationBuffer) TrimBefore(kind domain.Kind, cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	part := b.parts[kind]
	i := 0
	for i < len(part) && part[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.parts[kind] = append(part[:0], part[i:]...)
	}
}

func (b *ObservationBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = make(map[domain.Kind][]domain.Observation)
}

func (b *ObservationBuffer) capLocked(kind domain.Kind) int {
	if c, ok := b.caps[kind]; ok {
		return c
	}
	return b.cap
}

func evict(part []domain.Observation, capacity int) []domain.Observation {
	if over := len(part) - capacity; over > 0 {
		return append(part[:0], part[over:]...)
	}
	return part
}
