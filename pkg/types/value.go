package types

import "time"

// ValueKind is the type of value a sensor produces.
type ValueKind string

const (
	ValueKindNumeric   ValueKind = "numeric"
	ValueKindBoolean   ValueKind = "boolean"
	ValueKindEnum      ValueKind = "enum"
	ValueKindTimestamp ValueKind = "timestamp"
)

// SensorValue is one derived measurement. Available is false when the backing
// path did not resolve or the calculator could not produce the field; the
// other fields are meaningful only when Available is true.
type SensorValue struct {
	Kind      ValueKind `json:"kind"`
	Available bool      `json:"available"`

	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Text   string    `json:"text,omitempty"`
	Time   time.Time `json:"time,omitzero"`
}

// Unavailable returns the explicit "unavailable" value for the given kind.
func Unavailable(kind ValueKind) SensorValue {
	return SensorValue{Kind: kind}
}

// Export flattens the value for persistence and the API: the scalar for
// available values, nil for unavailable ones.
func (v SensorValue) Export() any {
	if !v.Available {
		return nil
	}
	switch v.Kind {
	case ValueKindNumeric:
		return v.Number
	case ValueKindBoolean:
		return v.Bool
	case ValueKindEnum:
		return v.Text
	case ValueKindTimestamp:
		return v.Time
	}
	return nil
}
