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

	callback := func(batch []adaptivesense.SessionRecord) error {
		for _, rec := range batch {
			fmt.Printf("%s session=%s mode=%s trigger=%s lasted=%s reason=%s overrides=%d\n",
				rec.StartedAt.Format(time.RFC3339Nano),
				rec.SessionID,
				rec.Mode,
				rec.TriggerKind,
				rec.Duration(),
				rec.Reason,
				len(rec.Overrides),
			)
		}
		return nil
	}

	rt, err := adaptivesense.NewRuntime(cfg,
		adaptivesense.WithRecorder(adaptivesense.NewCallbackRecorder("stdout", callback)),
		adaptivesense.WithoutAdmin(),
	)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}
