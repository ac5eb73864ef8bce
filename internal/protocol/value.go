package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Value is a tunable parameter value: either a number or a string. The base
// station does not know parameter types in advance, so it carries whichever
// the operator or the robot supplied.
type Value struct {
	num    float64
	text   string
	isText bool
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{num: f} }

// Text returns a string Value.
func Text(s string) Value { return Value{text: s, isText: true} }

// IsText reports whether v holds a string.
func (v Value) IsText() bool { return v.isText }

// Float returns the numeric value. For text values it tries to parse the
// string and reports false when that fails.
func (v Value) Float() (float64, bool) {
	if !v.isText {
		return v.num, true
	}
	f, err := strconv.ParseFloat(v.text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) String() string {
	if v.isText {
		return v.text
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isText {
		return json.Marshal(v.text)
	}
	return json.Marshal(v.num)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty parameter value")
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	case 'n', 't', 'f', '[', '{':
		return fmt.Errorf("parameter value must be a number or string, got %s", b)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parameter value must be a number or string: %w", err)
	}
	*v = Number(f)
	return nil
}

// Parameters maps parameter names to values.
type Parameters map[string]Value

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	return maps.Clone(p)
}

// Merge overwrites or adds every key of update. Keys are never removed.
func (p Parameters) Merge(update Parameters) {
	maps.Copy(p, update)
}
