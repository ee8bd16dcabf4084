package models

import (
	"bytes"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// FieldKind identifies the type held by a FieldValue.
type FieldKind uint8

const (
	KindNumber FieldKind = iota
	KindString
	KindBool
)

// FieldValue is one decoded account field.
// Optional fields carry Optional=true and report absence through Present=false; absence is never encoded
// as a sentinel value.
type FieldValue struct {
	Kind     FieldKind
	Optional bool
	Present  bool
	Number   decimal.Decimal
	Str      string
	Bool     bool
}

// Num builds a present numeric field.
func Num(d decimal.Decimal) FieldValue {
	return FieldValue{Kind: KindNumber, Present: true, Number: d}
}

// Uint builds a present numeric field from an unsigned integer.
func Uint(v uint64) FieldValue {
	return Num(decimal.NewFromUint64(v))
}

// Int builds a present numeric field from a signed integer.
func Int(v int64) FieldValue {
	return Num(decimal.NewFromInt(v))
}

// OptionalNum builds an optional numeric field. A nil pointer yields an absent value.
func OptionalNum(d *decimal.Decimal) FieldValue {
	if d == nil {
		return FieldValue{Kind: KindNumber, Optional: true}
	}
	return FieldValue{Kind: KindNumber, Optional: true, Present: true, Number: *d}
}

// Str builds a present string field.
func Str(s string) FieldValue {
	return FieldValue{Kind: KindString, Present: true, Str: s}
}

// OptionalStr builds an optional string field. A nil pointer yields an absent value.
func OptionalStr(s *string) FieldValue {
	if s == nil {
		return FieldValue{Kind: KindString, Optional: true}
	}
	return FieldValue{Kind: KindString, Optional: true, Present: true, Str: *s}
}

// Bool builds a present boolean field.
func Bool(b bool) FieldValue {
	return FieldValue{Kind: KindBool, Present: true, Bool: b}
}

// Equal reports whether two values hold the same kind, presence and payload.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Kind != o.Kind || v.Optional != o.Optional || v.Present != o.Present {
		return false
	}
	if !v.Present {
		return true
	}
	switch v.Kind {
	case KindNumber:
		return v.Number.Equal(o.Number)
	case KindString:
		return v.Str == o.Str
	default:
		return v.Bool == o.Bool
	}
}

// MarshalJSON renders numbers as bare JSON numbers and absent optionals as null.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	if !v.Present {
		return []byte("null"), nil
	}
	switch v.Kind {
	case KindNumber:
		return []byte(v.Number.String()), nil
	case KindString:
		return []byte(strconv.Quote(v.Str)), nil
	default:
		return []byte(strconv.FormatBool(v.Bool)), nil
	}
}

// Fields maps a field name to its decoded value.
type Fields map[string]FieldValue

// Decimal returns the numeric value of name, and false when the field is absent or not numeric.
func (f Fields) Decimal(name string) (decimal.Decimal, bool) {
	v, ok := f[name]
	if !ok || !v.Present || v.Kind != KindNumber {
		return decimal.Zero, false
	}
	return v.Number, true
}

// MarshalJSON writes the fields as a flat JSON object with sorted keys.
func (f Fields) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(k))
		buf.WriteByte(':')
		raw, err := f[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// AccountSnapshot is one decoded observation of an account at a ledger slot.
// Snapshots are immutable once produced by the decoder.
type AccountSnapshot struct {
	Address        string
	ObservedAtSlot uint64
	// Walltime is assigned at ingestion; it is not ledger-native.
	Walltime time.Time
	Fields   Fields
}
