package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// NullableTime tracks whether a timestamp field was explicitly present in JSON.
// Valid with a nil Value means the caller sent null to clear the field.
type NullableTime struct {
	Valid bool
	Value *time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullableTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	if bytes.Equal(trimmed, []byte("null")) {
		n.Valid = true
		n.Value = nil
		return nil
	}

	var parsed time.Time
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return err
	}
	parsed = parsed.UTC()
	n.Valid = true
	n.Value = &parsed
	return nil
}

// Cleared reports whether the field was explicitly set to null.
func (n NullableTime) Cleared() bool {
	return n.Valid && n.Value == nil
}
