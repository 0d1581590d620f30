package adaptivesense

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

// ErrChannelRecorderClosed is returned when a channel recorder is written to
// after being closed.
var ErrChannelRecorderClosed = errors.New("adaptivesense: channel recorder closed")

// RecordFunc receives a batch of closed sessions.
type RecordFunc func(batch []SessionRecord) error

// NewCallbackRecorder adapts a function into a SessionRecorder.
func NewCallbackRecorder(name string, fn RecordFunc) SessionRecorder {
	if name == "" {
		name = "callback"
	}
	return &callbackRecorder{name: name, fn: fn}
}

// NewChannelRecorder exposes batches on a channel. It returns the recorder,
// the read side, and a close function to call during shutdown.
func NewChannelRecorder(name string, buffer int) (SessionRecorder, <-chan []SessionRecord, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []SessionRecord, buffer)
	r := &channelRecorder{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return r, ch, r.close
}

type callbackRecorder struct {
	name string
	fn   RecordFunc
}

func (r *callbackRecorder) RecordSessions(_ context.Context, records []domain.SessionRecord) error {
	if r.fn == nil {
		return fmt.Errorf("callback recorder %q: nil handler", r.name)
	}
	if len(records) == 0 {
		return nil
	}
	return r.fn(copyBatch(records))
}

func (r *callbackRecorder) Name() string { return r.name }

type channelRecorder struct {
	name   string
	ch     chan []SessionRecord
	closed chan struct{}
	once   sync.Once

	// sending is read-held by writers so close never races a send.
	sending sync.RWMutex
}

func (r *channelRecorder) RecordSessions(ctx context.Context, records []domain.SessionRecord) error {
	r.sending.RLock()
	defer r.sending.RUnlock()

	select {
	case <-r.closed:
		return ErrChannelRecorderClosed
	default:
	}
	if len(records) == 0 {
		return nil
	}

	select {
	case <-r.closed:
		return ErrChannelRecorderClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.ch <- copyBatch(records):
		return nil
	}
}

func (r *channelRecorder) Name() string { return r.name }

func (r *channelRecorder) close() {
	r.once.Do(func() {
		close(r.closed)
		r.sending.Lock()
		close(r.ch)
		r.sending.Unlock()
	})
}

func copyBatch(records []domain.SessionRecord) []SessionRecord {
	out := make([]SessionRecord, len(records))
	for i, rec := range records {
		rec.Overrides = append([]domain.OverrideRecord(nil), rec.Overrides...)
		out[i] = rec
	}
	return out
}
