package domain

import "time"

// Kind tags a class of sensor datum and partitions the observation buffer.
type Kind string

const (
	KindAcceleration Kind = "acceleration"
	KindProximity    Kind = "proximity"
	KindLocation     Kind = "location"
)

// Observation is one timestamped sensor reading. Values is never mutated
// after the observation is built, so copies of an Observation may share it.
type Observation struct {
	Kind      Kind               `json:"kind"`
	Timestamp time.Time          `json:"ts"`
	Seq       uint64             `json:"seq"`
	Values    map[string]float64 `json:"values"`
	Source    string             `json:"source"`
}

// Value returns the named reading and whether it was present.
func (o Observation) Value(key string) (float64, bool) {
	v, ok := o.Values[key]
	return v, ok
}
