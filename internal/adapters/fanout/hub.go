// Package fanout shares one observation source between several consumers.
// The source listens only while at least one subscriber exists.
package fanout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

var ErrClosed = errors.New("fanout: hub closed")

type subscriber struct {
	out     chan<- domain.Observation
	kinds   map[domain.Kind]bool
	dropped uint64
}

// Hub starts its source on the first Subscribe and stops it when the last
// subscriber leaves. Delivery to a subscriber never blocks: a full channel
// drops the reading for that subscriber only.
type Hub struct {
	src    ports.ObservationSource
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	in     chan domain.Observation
	stop   chan struct{}
	done   chan struct{}
	latest map[domain.Kind]domain.Observation
	closed bool
}

func NewHub(src ports.ObservationSource, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		src:    src,
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
		latest: make(map[domain.Kind]domain.Observation),
	}
}

func (h *Hub) Source() ports.ObservationSource { return h.src }

// Subscribe delivers readings of kinds (all kinds when empty) to out.
func (h *Hub) Subscribe(out chan<- domain.Observation, kinds ...domain.Kind) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}

	sub := &subscriber{out: out}
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	if len(h.subs) == 0 {
		if err := h.startLocked(); err != nil {
			return 0, err
		}
	}
	h.nextID++
	h.subs[h.nextID] = sub
	return h.nextID, nil
}

// Unsubscribe removes a subscriber; the last one stops the source.
func (h *Hub) Unsubscribe(id uint64) error {
	h.mu.Lock()
	if _, ok := h.subs[id]; !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.subs, id)
	if len(h.subs) > 0 {
		h.mu.Unlock()
		return nil
	}
	stop, done := h.stop, h.done
	h.stop, h.done, h.in = nil, nil, nil
	h.mu.Unlock()

	return h.halt(stop, done)
}

// Listening reports whether the source is running.
func (h *Hub) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Latest returns the newest reading of kind if it is no older than maxAge
// relative to now. A zero maxAge accepts any age.
func (h *Hub) Latest(kind domain.Kind, now time.Time, maxAge time.Duration) (domain.Observation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	obs, ok := h.latest[kind]
	if !ok {
		return domain.Observation{}, false
	}
	if maxAge > 0 && now.Sub(obs.Timestamp) > maxAge {
		return domain.Observation{}, false
	}
	return obs, true
}

// Dropped reports readings a subscriber missed because its channel was full.
func (h *Hub) Dropped(id uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		return sub.dropped
	}
	return 0
}

// Close drops every subscriber and stops the source.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[uint64]*subscriber)
	stop, done := h.stop, h.done
	h.stop, h.done, h.in = nil, nil, nil
	h.mu.Unlock()
	if stop == nil {
		return nil
	}
	return h.halt(stop, done)
}

func (h *Hub) startLocked() error {
	in := make(chan domain.Observation, h.buffer)
	if err := h.src.Start(in); err != nil {
		return fmt.Errorf("fanout: start %s: %w", h.src.Name(), err)
	}
	h.in = in
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.dispatch(in, h.stop, h.done)
	return nil
}

func (h *Hub) halt(stop, done chan struct{}) error {
	err := h.src.Stop()
	close(stop)
	<-done
	return err
}

func (h *Hub) dispatch(in <-chan domain.Observation, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case obs := <-in:
			h.deliver(obs)
		}
	}
}

func (h *Hub) deliver(obs domain.Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[obs.Kind] = obs
	for _, sub := range h.subs {
		if sub.kinds != nil && !sub.kinds[obs.Kind] {
			continue
		}
		select {
		case sub.out <- obs:
		default:
			sub.dropped++
		}
	}
}

// View adapts one subscription to ports.ObservationSource so each consumer
// can treat the shared source as its own.
type View struct {
	hub   *Hub
	name  string
	kinds []domain.Kind

	mu sync.Mutex
	id uint64
}

var _ ports.ObservationSource = (*View)(nil)

// View returns a consumer handle limited to kinds.
func (h *Hub) View(name string, kinds ...domain.Kind) *View {
	if name == "" {
		name = h.src.Name()
	}
	return &View{hub: h, name: name, kinds: kinds}
}

func (v *View) Name() string { return v.name }

func (v *View) Kinds() []domain.Kind {
	if len(v.kinds) > 0 {
		return append([]domain.Kind(nil), v.kinds...)
	}
	return v.hub.src.Kinds()
}

func (v *View) Start(out chan<- domain.Observation) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.id != 0 {
		return fmt.Errorf("fanout view %s already started", v.name)
	}
	id, err := v.hub.Subscribe(out, v.kinds...)
	if err != nil {
		return err
	}
	v.id = id
	return nil
}

func (v *View) Stop() error {
	v.mu.Lock()
	id := v.id
	v.id = 0
	v.mu.Unlock()
	if id == 0 {
		return nil
	}
	return v.hub.Unsubscribe(id)
}
