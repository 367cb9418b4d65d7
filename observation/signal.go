package observation

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// ValueFunc maps elapsed virtual time in seconds to a value
type ValueFunc func(t float64) float64

// Signal is a value function together with the range it produces values in
type Signal struct {
	Range
	Fn ValueFunc
}

// At samples the signal at virtual time t
func (s Signal) At(t float64) float64 {
	return s.Fn(t)
}

// Sine oscillates between r.Min and r.Max with frequency freq (Hz).
// For r = [-1, 1] this is sin(2*pi*freq*t).
func Sine(r Range, freq float64) Signal {
	mid := (r.Max + r.Min) / 2
	amp := (r.Max - r.Min) / 2
	return Signal{
		Range: r,
		Fn: func(t float64) float64 {
			return mid + amp*math.Sin(2*math.Pi*freq*t)
		},
	}
}

// Constant always yields v
func Constant(r Range, v float64) Signal {
	return Signal{
		Range: r,
		Fn:    func(float64) float64 { return v },
	}
}

// Uniform draws values uniformly from r.
// The sequence is reproducible for a given seed.
func Uniform(r Range, seed int64) Signal {
	rng := rand.New(rand.NewSource(seed))
	return Signal{
		Range: r,
		Fn: func(float64) float64 {
			return r.Min + rng.Float64()*(r.Max-r.Min)
		},
	}
}

// SignalParams configure the built-in signals selectable by name
type SignalParams struct {
	Name      string  `yaml:"name" env:"NAME, overwrite"`
	Min       float64 `yaml:"min" env:"MIN, overwrite"`
	Max       float64 `yaml:"max" env:"MAX, overwrite"`
	Frequency float64 `yaml:"frequency" env:"FREQUENCY, overwrite"`
	Value     float64 `yaml:"value" env:"VALUE, overwrite"`
	Seed      int64   `yaml:"seed" env:"SEED, overwrite"`
}

// SignalByName builds one of the built-in signals (sine, constant, uniform)
func SignalByName(p SignalParams) (Signal, error) {
	r := Range{Min: p.Min, Max: p.Max}
	if r.Min > r.Max {
		return Signal{}, fmt.Errorf("invalid range [%g, %g]", r.Min, r.Max)
	}
	switch strings.ToLower(p.Name) {
	case "sine", "sin":
		freq := p.Frequency
		if freq == 0 {
			freq = 1
		}
		return Sine(r, freq), nil
	case "constant", "const":
		return Constant(r, p.Value), nil
	case "uniform", "random":
		return Uniform(r, p.Seed), nil
	default:
		return Signal{}, fmt.Errorf("unknown signal %q", p.Name)
	}
}
