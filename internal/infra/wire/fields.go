package wire

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var nullLiteral = []byte("null")

// Fields reads positional values out of a payload array. The first
// conversion failure is retained and reported by Err; later reads return
// zero values.
type Fields struct {
	items []json.RawMessage
	err   error
}

// NewFields splits a JSON array into positional fields.
func NewFields(raw json.RawMessage) (*Fields, error) {
	items, err := SplitArray(raw)
	if err != nil {
		return nil, err
	}
	return &Fields{items: items, err: nil}, nil
}

// SplitArray splits a JSON array into its raw elements.
func SplitArray(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("payload is not an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("split array: %w", err)
	}
	return items, nil
}

// IsNested reports whether raw is an array whose first element is an array,
// the shape used for snapshots.
func IsNested(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '[' {
		return false
	}
	rest := bytes.TrimSpace(trimmed[1:])
	return len(rest) > 0 && rest[0] == '['
}

// Len returns the number of fields.
func (f *Fields) Len() int { return len(f.items) }

// Err returns the first conversion failure.
func (f *Fields) Err() error { return f.err }

// Null reports whether index i is absent or JSON null.
func (f *Fields) Null(i int) bool {
	if i < 0 || i >= len(f.items) {
		return true
	}
	return bytes.Equal(bytes.TrimSpace(f.items[i]), nullLiteral)
}

func (f *Fields) fail(i int, what string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("field %d: %s: %w", i, what, err)
	}
}

func (f *Fields) text(i int) string {
	raw := string(bytes.TrimSpace(f.items[i]))
	if len(raw) > 0 && raw[0] == '"' {
		if s, err := strconv.Unquote(raw); err == nil {
			return s
		}
	}
	return raw
}

// Int64 reads a required integer.
func (f *Fields) Int64(i int) int64 {
	if f.Null(i) {
		f.fail(i, "int", fmt.Errorf("missing"))
		return 0
	}
	v, ok := f.OptInt64(i)
	if !ok {
		return 0
	}
	return v
}

// OptInt64 reads an optional integer; ok is false when unset.
func (f *Fields) OptInt64(i int) (int64, bool) {
	if f.Null(i) {
		return 0, false
	}
	text := f.text(i)
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// Some counters are sent as floats, e.g. 1.0.
		d, derr := decimal.NewFromString(text)
		if derr != nil || !d.IsInteger() {
			f.fail(i, "int", err)
			return 0, false
		}
		v = d.IntPart()
	}
	return v, true
}

// Decimal reads a required number.
func (f *Fields) Decimal(i int) decimal.Decimal {
	if f.Null(i) {
		f.fail(i, "decimal", fmt.Errorf("missing"))
		return decimal.Zero
	}
	return f.OptDecimal(i).Decimal
}

// OptDecimal reads an optional number; unset maps to an invalid NullDecimal, never zero.
func (f *Fields) OptDecimal(i int) decimal.NullDecimal {
	if f.Null(i) {
		return decimal.NullDecimal{Decimal: decimal.Zero, Valid: false}
	}
	d, err := decimal.NewFromString(f.text(i))
	if err != nil {
		f.fail(i, "decimal", err)
		return decimal.NullDecimal{Decimal: decimal.Zero, Valid: false}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// String reads an optional string; unset maps to "".
func (f *Fields) String(i int) string {
	if f.Null(i) {
		return ""
	}
	return f.text(i)
}

// Raw returns the raw element at i, or nil when absent.
func (f *Fields) Raw(i int) json.RawMessage {
	if i < 0 || i >= len(f.items) {
		return nil
	}
	return f.items[i]
}
