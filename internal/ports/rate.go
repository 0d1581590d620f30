package ports

import "context"

// RateController reconfigures the maximum sampling rate of a source.
// A rate of 0 means the source is not rate limited. SetMaxRate only records
// the new limit; it takes effect after Restart. Both calls are idempotent.
type RateController interface {
	MaxRate() float64
	SetMaxRate(ctx context.Context, perSecond float64) error
	Restart(ctx context.Context) error
}
