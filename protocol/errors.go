package protocol

import "fmt"

// DecodeError reports a buffer that cannot be a firmware report. It is a
// protocol-integrity failure and is never retried.
type DecodeError struct {
	Buf    []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s (%d bytes)", e.Reason, len(e.Buf))
}

func badLength(buf []byte) *DecodeError {
	return &DecodeError{Buf: buf, Reason: fmt.Sprintf("report length %d, want %d", len(buf), ReportLength)}
}

// MissingFieldError reports a structurally required command field left
// unset. Raised before any payload byte is written.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("encode: required field %q missing", e.Field)
}

// RangeError reports a command field outside its declared bounds.
type RangeError struct {
	Field    string
	Value    int64
	Min, Max int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("encode: field %q value %d outside [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

// checkRange validates v against the inclusive [min, max] bound.
func checkRange(field string, v, min, max int64) error {
	if v < min || v > max {
		return &RangeError{Field: field, Value: v, Min: min, Max: max}
	}
	return nil
}

// clamp saturates v into [min, max]. Used for amplitude-like fields where
// values beyond the bound are smooth-control saturation, not caller bugs.
func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
