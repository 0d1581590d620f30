package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/adaptivesense"
)

// Feeds the agent from application code through a push source, the way a
// platform sensor callback would.
func main() {
	cfg := &adaptivesense.Config{
		Agent: adaptivesense.AgentConfig{
			Type: "acceleration",
			Policy: map[string]any{
				"alm-threshold":    0.15,
				"control-acc-rate": 50,
				"control-duration": "5s",
				"cooldown":         "3s",
			},
		},
		Sources: adaptivesense.SourcesConfig{
			Push: &adaptivesense.PushConfig{
				Name:    "phone",
				Kinds:   []adaptivesense.Kind{adaptivesense.KindAcceleration, adaptivesense.KindProximity},
				MaxRate: 20,
				OnFull:  "drop",
			},
		},
		Pipeline: adaptivesense.Backpressure{
			MaxQueueLen:  64,
			MaxBatchSize: 8,
			IdleSleep:    50 * time.Millisecond,
			SourceBuffer: 64,
			OnQueueFull:  "drop",
		},
		Journal: adaptivesense.JournalConfig{Dir: "./journal"},
		Device:  adaptivesense.DeviceConfig{Interactive: true},
	}

	rt, err := adaptivesense.NewRuntime(cfg,
		adaptivesense.WithoutAdmin(),
		adaptivesense.WithSessionHook(func(rec adaptivesense.SessionRecord) {
			fmt.Printf("session %s (%s) ended: %s after %s\n", rec.SessionID, rec.Mode, rec.Reason, rec.Duration())
		}),
	)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	pub := rt.Publisher()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			// A burst of movement every 20 seconds.
			mag := 0.02
			if int(now.Sub(start).Seconds())%20 >= 15 {
				mag = 0.4
			}
			err := pub.Publish(ctx, adaptivesense.Observation{
				Kind:   adaptivesense.KindAcceleration,
				Values: map[string]float64{"x": mag, "y": mag * math.Sin(now.Sub(start).Seconds()), "z": 0},
			})
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, adaptivesense.ErrPushThrottled) {
				log.Printf("publish: %v", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
