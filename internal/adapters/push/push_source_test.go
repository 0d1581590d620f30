package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/adaptivesense/internal/clock"
	"github.com/ghalamif/adaptivesense/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func reading(kind domain.Kind, at time.Time) domain.Observation {
	return domain.Observation{Kind: kind, Timestamp: at, Values: map[string]float64{"v": 1}}
}

func TestPublishRequiresStart(t *testing.T) {
	src, err := NewSource(Config{}, nil)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := src.Publish(context.Background(), reading(domain.KindProximity, t0)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestPublishStampsAndSequences(t *testing.T) {
	clk := clock.NewFake(t0)
	src, _ := NewSource(Config{Name: "phone"}, clk)
	out := make(chan domain.Observation, 2)
	src.Start(out)

	ctx := context.Background()
	src.Publish(ctx, domain.Observation{Kind: domain.KindProximity})
	src.Publish(ctx, domain.Observation{Kind: domain.KindProximity})

	first, second := <-out, <-out
	if !first.Timestamp.Equal(t0) || first.Source != "phone" {
		t.Fatalf("unexpected stamping: %+v", first)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence: %d %d", first.Seq, second.Seq)
	}
}

func TestRateLimitTakesEffectOnRestart(t *testing.T) {
	src, _ := NewSource(Config{MaxRate: 10}, nil)
	out := make(chan domain.Observation, 16)
	src.Start(out)
	ctx := context.Background()

	if err := src.Publish(ctx, reading(domain.KindAcceleration, t0)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := src.Publish(ctx, reading(domain.KindAcceleration, t0.Add(50*time.Millisecond))); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	// Other kinds are limited independently.
	if err := src.Publish(ctx, reading(domain.KindProximity, t0.Add(50*time.Millisecond))); err != nil {
		t.Fatalf("proximity publish: %v", err)
	}

	src.SetMaxRate(ctx, 60)
	if err := src.Publish(ctx, reading(domain.KindAcceleration, t0.Add(60*time.Millisecond))); !errors.Is(err, ErrThrottled) {
		t.Fatalf("new rate should wait for Restart, got %v", err)
	}
	src.Restart(ctx)
	if err := src.Publish(ctx, reading(domain.KindAcceleration, t0.Add(70*time.Millisecond))); err != nil {
		t.Fatalf("publish after restart: %v", err)
	}
	if err := src.Publish(ctx, reading(domain.KindAcceleration, t0.Add(90*time.Millisecond))); err != nil {
		t.Fatalf("20ms gap should pass at 60/s: %v", err)
	}
	if src.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", src.Dropped())
	}
}

func TestDropPolicyAndBlockDeadline(t *testing.T) {
	ctx := context.Background()

	drop, _ := NewSource(Config{OnFull: "drop"}, nil)
	drop.Start(make(chan domain.Observation))
	if err := drop.Publish(ctx, reading(domain.KindProximity, t0)); !errors.Is(err, ErrSourceFull) {
		t.Fatalf("expected ErrSourceFull, got %v", err)
	}

	block, _ := NewSource(Config{BlockDeadline: 10 * time.Millisecond}, nil)
	block.Start(make(chan domain.Observation))
	if err := block.Publish(ctx, reading(domain.KindProximity, t0)); !errors.Is(err, ErrSourceFull) {
		t.Fatalf("expected ErrSourceFull after deadline, got %v", err)
	}

	if _, err := NewSource(Config{OnFull: "spill"}, nil); err == nil {
		t.Fatalf("expected invalid on_full error")
	}
}

func TestStopReleasesBlockedPublisher(t *testing.T) {
	src, _ := NewSource(Config{}, nil)
	src.Start(make(chan domain.Observation))

	done := make(chan error, 1)
	go func() { done <- src.Publish(context.Background(), reading(domain.KindProximity, t0)) }()

	time.Sleep(10 * time.Millisecond)
	src.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotStarted) {
			t.Fatalf("expected ErrNotStarted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publisher still blocked after Stop")
	}
}
