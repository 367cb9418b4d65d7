package observation

import (
	"errors"
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFraming(t *testing.T) {
	obs := Observation{Min: -1.2, Max: 0.6, Value: -0.9, Timestamp: 1756742602.5}

	payload, err := Encode(obs)

	require.NoError(t, err)
	assert.JSONEq(t, `[{"min": -1.2, "max": 0.6, "value": -0.9, "ts": 1756742602.5}]`, string(payload))
}

func TestRoundTrip(t *testing.T) {
	cases := []Observation{
		{Min: -1, Max: 1, Value: 0, Timestamp: 0},
		{Min: -1, Max: 1, Value: math.Sin(2 * math.Pi * 0.3), Timestamp: 1756742602.123456},
		{Min: -1.2, Max: 0.6, Value: -0.9, Timestamp: float64(time.Now().UnixNano()) / 1e9},
		{Min: 0, Max: 0, Value: 42, Timestamp: -1},
		{Min: -math.MaxFloat64, Max: math.MaxFloat64, Value: math.SmallestNonzeroFloat64, Timestamp: 1e-9},
	}
	for _, obs := range cases {
		payload, err := Encode(obs)
		require.NoError(t, err)

		decoded, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, obs, decoded)
	}
}

func TestRoundTripFiniteValues(t *testing.T) {
	roundTrip := func(min, max, value, ts float64) bool {
		obs := Observation{Min: min, Max: max, Value: value, Timestamp: ts}
		payload, err := Encode(obs)
		if err != nil {
			return false
		}
		decoded, err := Decode(payload)
		return err == nil && decoded == obs
	}

	require.NoError(t, quick.Check(roundTrip, &quick.Config{MaxCount: 1000}))
}

func TestDecodeBareRecord(t *testing.T) {
	obs, err := Decode([]byte(`{"min": 0, "max": 10, "value": 3.5, "ts": 12}`))

	require.NoError(t, err)
	assert.Equal(t, Observation{Min: 0, Max: 10, Value: 3.5, Timestamp: 12}, obs)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	obs, err := Decode([]byte(`[{"min": 0, "max": 1, "value": 1, "ts": 2, "sensor": "left"}]`))

	require.NoError(t, err)
	assert.Equal(t, 1.0, obs.Value)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"missing value":         `[{"min": -1, "max": 1, "ts": 1}]`,
		"missing all":           `[{}]`,
		"null value":            `[{"min": -1, "max": 1, "value": null, "ts": 1}]`,
		"string value":          `[{"min": -1, "max": 1, "value": "0.5", "ts": 1}]`,
		"upper case value":      `[{"min": -1, "max": 1, "VALUE": 0.5, "ts": 1}]`,
		"upper case null value": `[{"min": -1, "max": 1, "VALUE": null, "ts": 1}]`,
		"mixed case fields":     `[{"MIN": -1, "Max": 1, "VALUE": 0.5, "Ts": 1}]`,
		"empty list":            `[]`,
		"two records":           `[{"min": -1, "max": 1, "value": 0, "ts": 1}, {"min": -1, "max": 1, "value": 0, "ts": 1}]`,
		"list of numbers":       `[1]`,
		"scalar":                `0.5`,
		"not json":              `min=1`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))

			var decodeErr *DecodeError
			require.Error(t, err)
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %T", err)
		})
	}
}

func TestDecodeMissingValueNamesField(t *testing.T) {
	_, err := Decode([]byte(`[{"min": -1, "max": 1, "ts": 1}]`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")
}

func TestEncodeRejectsNaN(t *testing.T) {
	_, err := Encode(Observation{Value: math.NaN()})

	assert.Error(t, err)
}

func TestObservationTime(t *testing.T) {
	now := time.Unix(1756742602, 250_000_000)

	obs := New(Range{Min: -1, Max: 1}, 0.5, now)

	assert.InDelta(t, 1756742602.25, obs.Timestamp, 1e-6)
	assert.WithinDuration(t, now, obs.Time(), time.Microsecond)
	assert.True(t, obs.InRange())
	assert.False(t, Observation{Min: -1, Max: 1, Value: 2}.InRange())
}
