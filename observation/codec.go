package observation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// DecodeError is returned for payloads that are not a valid observation.
// It is a per-message error, receivers drop the payload and carry on.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode observation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode observation: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode an observation in the single-element list framing
// used by json based pub/sub peers (e.g. `send_json`).
func Encode(o Observation) ([]byte, error) {
	payload, err := json.Marshal([]Observation{o})
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return payload, nil
}

// Decode a payload into an observation
//
// Both the single-element list framing and a bare record are accepted.
// All of `min`, `max`, `value` and `ts` must be present and numeric.
func Decode(payload []byte) (Observation, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Observation{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	record, err := unwrap(raw)
	if err != nil {
		return Observation{}, err
	}

	var obs Observation
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   &obs,
		// field names are case sensitive on the wire
		MatchName: func(mapKey, fieldName string) bool {
			return mapKey == fieldName
		},
	})
	if err != nil {
		return Observation{}, fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(record); err != nil {
		return Observation{}, &DecodeError{Reason: "invalid field", Err: err}
	}

	if len(md.Unset) > 0 {
		sort.Strings(md.Unset)
		return Observation{}, &DecodeError{Reason: fmt.Sprintf("missing fields %v", md.Unset)}
	}
	// nil values are skipped by mapstructure without being reported as unset
	for key, value := range record {
		if value == nil && isField(key) {
			return Observation{}, &DecodeError{Reason: fmt.Sprintf("field %q is null", key)}
		}
	}

	return obs, nil
}

func unwrap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) != 1 {
			return nil, &DecodeError{Reason: fmt.Sprintf("expected 1 record, got %d", len(v))}
		}
		record, ok := v[0].(map[string]any)
		if !ok {
			return nil, &DecodeError{Reason: fmt.Sprintf("record is %T, not an object", v[0])}
		}
		return record, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("payload is %T, not a list or object", raw)}
	}
}

func isField(key string) bool {
	switch key {
	case "min", "max", "value", "ts":
		return true
	}
	return false
}
