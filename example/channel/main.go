package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/adaptivesense"
)

func main() {
	cfg, err := adaptivesense.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rec, batches, closeBatches := adaptivesense.NewChannelRecorder("uplink", 32)
	defer closeBatches()

	go uplinkWorker("uplink", batches)

	rt, err := adaptivesense.NewRuntime(cfg, adaptivesense.WithRecorder(rec))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

func uplinkWorker(name string, batches <-chan []adaptivesense.SessionRecord) {
	for batch := range batches {
		var elevated time.Duration
		for _, rec := range batch {
			elevated += rec.Duration()
		}
		fmt.Printf("[%s] %d sessions, %s under control, at %s\n", name, len(batch), elevated, time.Now().Format(time.RFC3339))
	}
}
