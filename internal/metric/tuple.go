// Package metric expands decoded frames into named tuples that sinks publish.
package metric

import (
	"encoding/json"
	"strconv"
	"time"
)

// Value is either a number or a string. The zero Value is the number 0.
type Value struct {
	num    float64
	text   string
	isText bool
}

// Number wraps a numeric value
func Number(f float64) Value { return Value{num: f} }

// Text wraps a string value
func Text(s string) Value { return Value{text: s, isText: true} }

// Flag maps a boolean onto the 0/1 number convention used by every sink.
func Flag(b bool) Value {
	if b {
		return Number(1)
	}
	return Number(0)
}

func (v Value) IsNumeric() bool { return !v.isText }

// Float returns the numeric value and false for text values.
func (v Value) Float() (float64, bool) {
	return v.num, !v.isText
}

func (v Value) String() string {
	if v.isText {
		return v.text
	}
	return strconv.FormatFloat(v.num, 'f', -1, 64)
}

// Interface returns the value as float64 or string, for clients that take any.
func (v Value) Interface() any {
	if v.isText {
		return v.text
	}
	return v.num
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isText {
		return json.Marshal(v.text)
	}
	return json.Marshal(v.num)
}

// Tuple is one named value bound for a destination. Field is empty for
// single-valued destinations.
type Tuple struct {
	Destination Destination
	Meter       string
	Field       string
	Value       Value
	Time        time.Time
}
