package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Value holds an update value exactly as received: a JSON number or string.
// Non-finite floating point values are sent by gateways as the strings "NaN",
// "Infinity" and "-Infinity".
type Value struct {
	raw json.RawMessage
}

// NumberValue encodes f, mapping non-finite values to their string spelling.
func NumberValue(f float64) Value {
	switch {
	case math.IsNaN(f):
		return StringValue("NaN")
	case math.IsInf(f, 1):
		return StringValue("Infinity")
	case math.IsInf(f, -1):
		return StringValue("-Infinity")
	}
	return Value{raw: json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))}
}

func IntValue(i int64) Value {
	return Value{raw: json.RawMessage(strconv.FormatInt(i, 10))}
}

func StringValue(s string) Value {
	data, _ := json.Marshal(s)
	return Value{raw: data}
}

// IsZero reports whether no value was received.
func (v Value) IsZero() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, []byte("null"))
}

// IsNumber reports whether the value was sent as a JSON number.
func (v Value) IsNumber() bool {
	if len(v.raw) == 0 {
		return false
	}
	c := v.raw[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// Float64 returns the numeric value. The NaN and Infinity spellings are
// accepted; any other string reports false.
func (v Value) Float64() (float64, bool) {
	if v.IsNumber() {
		f, err := strconv.ParseFloat(string(v.raw), 64)
		return f, err == nil
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return 0, false
	}
	switch s {
	case "NaN":
		return math.NaN(), true
	case "Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}
	return 0, false
}

// String returns the value as text: numbers in their wire form, strings
// unquoted.
func (v Value) String() string {
	if v.IsZero() {
		return ""
	}
	if v.IsNumber() {
		return string(v.raw)
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return string(v.raw)
	}
	return s
}

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty value")
	}
	switch trimmed[0] {
	case '{', '[':
		return errors.Errorf("unsupported value %s", trimmed)
	}
	v.raw = append(v.raw[:0], trimmed...)
	return nil
}
