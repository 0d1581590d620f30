package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Requeuer is a record queue that can take back a batch the recorder
// refused. It returns how many records did not fit.
type Requeuer interface {
	ports.RecordQueue
	Requeue(batch []domain.SessionRecord) int
}

const drainTimeout = 5 * time.Second

// EnqueueRecord hands a closed session to the recorder queue, honoring the
// queue-full policy. It reports whether the record was accepted.
func EnqueueRecord(q ports.RecordQueue, rec domain.SessionRecord, pol ports.Backpressure, obs ports.Observability) bool {
	sleep := pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}
	var deadline time.Time
	if pol.BlockDeadline > 0 {
		deadline = time.Now().Add(pol.BlockDeadline)
	}

	for {
		if q.Enqueue(rec) {
			obs.SetGauge("sense_record_queue_length", float64(q.Len()))
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			if !deadline.IsZero() && time.Now().After(deadline) {
				obs.LogError("record_queue_block_timeout", fmt.Errorf("waited %s", pol.BlockDeadline),
					ports.Field{Key: "session_id", Value: rec.SessionID})
				obs.IncCounter("sense_record_queue_dropped_total", 1)
				return false
			}
			time.Sleep(sleep)
		case "drop":
			obs.LogError("record_queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen),
				ports.Field{Key: "session_id", Value: rec.SessionID})
			obs.IncCounter("sense_record_queue_dropped_total", 1)
			return false
		default:
			obs.LogError("record_queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			obs.IncCounter("sense_record_queue_dropped_total", 1)
			return false
		}
	}
}

// RunRecordPipeline drains q into rec in batches until ctx is cancelled,
// then makes one last attempt to flush what is left. A failed batch goes
// back to the head of the queue and is retried after flush.
func RunRecordPipeline(ctx context.Context, q Requeuer, rec ports.SessionRecorder, pol ports.Backpressure, flush time.Duration, obs ports.Observability) {
	idle := pol.IdleSleep
	if idle <= 0 {
		idle = 50 * time.Millisecond
	}
	if flush <= 0 {
		flush = idle
	}

	for {
		wait := idle
		if n := writeBatch(ctx, q, rec, pol, obs); n < 0 {
			wait = flush
		} else if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			drain(q, rec, pol, obs)
			return
		case <-time.After(wait):
		}
	}
}

// writeBatch writes one batch and returns its size, 0 when the queue was
// empty, or -1 when the recorder failed.
func writeBatch(ctx context.Context, q Requeuer, rec ports.SessionRecorder, pol ports.Backpressure, obs ports.Observability) int {
	batch := q.DequeueBatch(pol.MaxBatchSize)
	if len(batch) == 0 {
		return 0
	}

	start := time.Now()
	if err := rec.RecordSessions(ctx, batch); err != nil {
		obs.LogError("recorder_write_failed", err,
			ports.Field{Key: "recorder", Value: rec.Name()},
			ports.Field{Key: "records", Value: len(batch)})
		if dropped := q.Requeue(batch); dropped > 0 {
			obs.IncCounter("sense_record_queue_dropped_total", float64(dropped))
		}
		obs.SetGauge("sense_record_queue_length", float64(q.Len()))
		return -1
	}
	obs.ObserveLatency("sense_recorder_latency_seconds", time.Since(start).Seconds())
	obs.IncCounter("sense_records_written_total", float64(len(batch)))
	obs.SetGauge("sense_record_queue_length", float64(q.Len()))
	return len(batch)
}

func drain(q Requeuer, rec ports.SessionRecorder, pol ports.Backpressure, obs ports.Observability) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for q.Len() > 0 {
		if writeBatch(ctx, q, rec, pol, obs) <= 0 {
			if left := q.Len(); left > 0 {
				obs.LogError("recorder_drain_incomplete", fmt.Errorf("%d records not written", left))
			}
			return
		}
	}
}

// RunGauges publishes journal size and record queue length every interval
// until ctx is cancelled. Either may be nil.
func RunGauges(ctx context.Context, j ports.OverrideJournal, q ports.RecordQueue, interval time.Duration, obs ports.Observability) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if j != nil {
				obs.SetGauge("sense_journal_size_bytes", float64(j.Stats().SizeBytes))
			}
			if q != nil {
				obs.SetGauge("sense_record_queue_length", float64(q.Len()))
			}
		}
	}
}
