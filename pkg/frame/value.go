package frame

import (
	"math"
	"strconv"
)

// Kind identifies what a Value holds
type Kind uint8

const (
	KindMissing Kind = iota
	KindNumber
	KindString
)

// Value is a single cell. Missing values are explicit rather than omitted,
// so every row of a frame carries the full field set.
type Value struct {
	kind Kind
	num  float64
	str  string
}

// Number wraps a numeric reading
func Number(v float64) Value {
	return Value{kind: KindNumber, num: v}
}

// String wraps a categorical reading (e.g. a controller mode code)
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Missing returns the explicit "no observation" value
func Missing() Value {
	return Value{}
}

// Kind reports what the value holds
func (v Value) Kind() Kind {
	return v.kind
}

// IsMissing reports whether the cell has no observation.
// NaN numbers count as missing.
func (v Value) IsMissing() bool {
	return v.kind == KindMissing || (v.kind == KindNumber && math.IsNaN(v.num))
}

// Float returns the numeric form of the value. Strings are parsed;
// ok is false for missing values and non-numeric strings.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) {
			return 0, false
		}
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Text returns the string form of the value ("" when missing)
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	default:
		return ""
	}
}

// Interface returns float64, string, or nil
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	default:
		return nil
	}
}

