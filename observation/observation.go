package observation

import (
	"math"
	"time"
)

// Range of valid values of an observation
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within [Min, Max]
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Observation of a scalar value with its valid range
//
// example (wire format):
// `[{"min": -1.0, "max": 1.0, "value": 0.58, "ts": 1756742602.123}]`
type Observation struct {
	Min   float64 `json:"min" mapstructure:"min"`
	Max   float64 `json:"max" mapstructure:"max"`
	Value float64 `json:"value" mapstructure:"value"`
	// Wall clock seconds since the unix epoch at which the value was sampled.
	// Clocks of publisher and subscriber are not assumed to be synchronized.
	Timestamp float64 `json:"ts" mapstructure:"ts"`
}

// New observation of value within r, stamped with now
func New(r Range, value float64, now time.Time) Observation {
	return Observation{
		Min:       r.Min,
		Max:       r.Max,
		Value:     value,
		Timestamp: float64(now.UnixNano()) / 1e9,
	}
}

// Range the value is expected to be in
func (o Observation) Range() Range {
	return Range{Min: o.Min, Max: o.Max}
}

// InRange reports whether the value respects the advertised range.
// Producers are responsible for this, the protocol does not enforce it.
func (o Observation) InRange() bool {
	return o.Range().Contains(o.Value)
}

// Time converts the timestamp back to a time.Time
func (o Observation) Time() time.Time {
	sec, frac := math.Modf(o.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
