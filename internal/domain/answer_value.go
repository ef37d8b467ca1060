package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AnswerKind tags which variant an AnswerValue holds.
type AnswerKind uint8

const (
	// AnswerUnset is the zero value: the question has no answer.
	AnswerUnset AnswerKind = iota
	// AnswerSingle holds free text or a single selected option.
	AnswerSingle
	// AnswerMulti holds an ordered list of selected options.
	AnswerMulti
)

// AnswerValue is either a single string or an ordered list of strings.
type AnswerValue struct {
	kind   AnswerKind
	single string
	multi  []string
}

// Single builds a single-valued answer.
func Single(value string) AnswerValue {
	return AnswerValue{kind: AnswerSingle, single: value}
}

// Multi builds a multi-select answer. The slice is copied.
func Multi(values ...string) AnswerValue {
	cp := make([]string, len(values))
	copy(cp, values)
	return AnswerValue{kind: AnswerMulti, multi: cp}
}

func (v AnswerValue) Kind() AnswerKind { return v.kind }

// Text returns the single value; empty for other variants.
func (v AnswerValue) Text() string { return v.single }

// Items returns a copy of the multi-select values.
func (v AnswerValue) Items() []string {
	if v.kind != AnswerMulti {
		return nil
	}
	cp := make([]string, len(v.multi))
	copy(cp, v.multi)
	return cp
}

// IsEmpty reports whether the answer carries no content.
func (v AnswerValue) IsEmpty() bool {
	switch v.kind {
	case AnswerSingle:
		return v.single == ""
	case AnswerMulti:
		return len(v.multi) == 0
	default:
		return true
	}
}

// Equal compares variant and content. Multi values compare element-wise in order.
func (v AnswerValue) Equal(o AnswerValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case AnswerSingle:
		return v.single == o.single
	case AnswerMulti:
		if len(v.multi) != len(o.multi) {
			return false
		}
		for i := range v.multi {
			if v.multi[i] != o.multi[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v AnswerValue) String() string {
	switch v.kind {
	case AnswerSingle:
		return fmt.Sprintf("%q", v.single)
	case AnswerMulti:
		return fmt.Sprintf("%q", v.multi)
	default:
		return "<unset>"
	}
}

func (v AnswerValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case AnswerSingle:
		return json.Marshal(v.single)
	case AnswerMulti:
		if v.multi == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.multi)
	default:
		return []byte("null"), nil
	}
}

func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = AnswerValue{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Single(s)
		return nil
	case data[0] == '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("answer list must contain strings: %w", err)
		}
		*v = Multi(items...)
		return nil
	default:
		return fmt.Errorf("answer must be a string or a list of strings, got %s", data)
	}
}
