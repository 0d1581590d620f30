// Package device provides the wake lock and interactivity state the agent
// consumes. On a headless host both are process-local; a platform
// integration supplies the acquire and release hooks.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Hook talks to the platform power service.
type Hook func(ctx context.Context) error

// WakeLock is reference counted: the platform hooks run only when the count
// moves between zero and one, so agents and other subsystems may nest.
type WakeLock struct {
	acquire Hook
	release Hook

	mu      sync.Mutex
	holders int
}

var _ ports.WakeLock = (*WakeLock)(nil)

// NewWakeLock builds a wake lock; nil hooks make it purely in-process.
func NewWakeLock(acquire, release Hook) *WakeLock {
	return &WakeLock{acquire: acquire, release: release}
}

func (w *WakeLock) KeepAwake(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.holders == 0 && w.acquire != nil {
		if err := w.acquire(ctx); err != nil {
			return fmt.Errorf("keep awake: %w", err)
		}
	}
	w.holders++
	return nil
}

// LetSleep drops one hold. Releasing an unheld lock is a no-op.
func (w *WakeLock) LetSleep(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.holders == 0 {
		return nil
	}
	if w.holders == 1 && w.release != nil {
		if err := w.release(ctx); err != nil {
			return fmt.Errorf("let sleep: %w", err)
		}
	}
	w.holders--
	return nil
}

func (w *WakeLock) Holders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holders
}

// State is a settable interactivity flag.
type State struct {
	interactive atomic.Bool
}

var _ ports.DeviceState = (*State)(nil)

func NewState(interactive bool) *State {
	s := &State{}
	s.interactive.Store(interactive)
	return s
}

func (s *State) Interactive() bool { return s.interactive.Load() }

func (s *State) SetInteractive(v bool) { s.interactive.Store(v) }
