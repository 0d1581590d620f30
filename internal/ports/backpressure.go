package ports

import "time"

type Backpressure struct {
	MaxQueueLen   int           `yaml:"max_queue_len"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	IdleSleep     time.Duration `yaml:"idle_sleep"`
	SourceBuffer  int           `yaml:"source_buffer"`
	OnQueueFull   string        `yaml:"on_queue_full"` // "block", "drop"
	BlockDeadline time.Duration `yaml:"block_deadline"`
}
