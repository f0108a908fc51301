package types

import "encoding/json"

// State is the mutable record passed between graph nodes. Every node receives
// the full current state and returns a state with the same schema; fields a
// node does not touch pass through unchanged. State is owned by the runtime
// for the duration of one execution and is never mutated concurrently.
type State map[string]any

// Clone returns a deep copy of the state. Nested maps and slices are copied
// recursively so checkpoint snapshots cannot be mutated by later node runs.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case State:
		return map[string]any(t.Clone())
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	case []string:
		l := make([]string, len(t))
		copy(l, t)
		return l
	default:
		return v
	}
}

// Merge overlays the fields of other on top of s and returns s. Fields absent
// from other are left untouched, which is what makes partial node outputs and
// resume-time edits pass-through safe.
func (s State) Merge(other State) State {
	for k, v := range other {
		s[k] = v
	}
	return s
}

// Keys returns the field names present in the state.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// GetString returns the string value of a field, or "" if absent or not a
// string.
func (s State) GetString(key string) string {
	v, _ := s[key].(string)
	return v
}

// GetBool returns the bool value of a field, or false if absent.
func (s State) GetBool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// GetInt returns the integer value of a field. JSON round-trips store numbers
// as float64, so both int and float64 representations are accepted.
func (s State) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// GetFloat returns the float value of a field, accepting int representations.
func (s State) GetFloat(key string) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// MarshalSnapshot serializes the state for persistence.
func (s State) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot deserializes a persisted state snapshot.
func UnmarshalSnapshot(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
