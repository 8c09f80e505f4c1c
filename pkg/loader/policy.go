package loader

import (
	"fmt"
	"strings"
)

// HeaderPolicy defines which first lines are treated as headers
type HeaderPolicy int

const (
	// HeaderFirst uses the first line read across all files as the header.
	// First lines of the following files are loaded as data rows.
	HeaderFirst HeaderPolicy = iota
	// HeaderEach uses the first line of the first file as the header and skips the first line of every other file.
	HeaderEach
)

// ParseHeaderPolicy converts "first" or "each" to HeaderPolicy, empty string means HeaderFirst
func ParseHeaderPolicy(s string) (HeaderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return HeaderFirst, nil
	case "each":
		return HeaderEach, nil
	}
	return HeaderFirst, fmt.Errorf("unknown header policy %q, expected first or each", s)
}

func (h HeaderPolicy) String() string {
	if h == HeaderEach {
		return "each"
	}
	return "first"
}

// FieldPolicy defines how rows with a field count different from the header are handled
type FieldPolicy int

const (
	// FieldsStrict rejects mismatched rows with MismatchError
	FieldsStrict FieldPolicy = iota
	// FieldsPad pads short rows with empty fields and truncates long rows to the header size
	FieldsPad
	// FieldsRagged keeps rows as they are, short rows have missing fields and long rows extra ones
	FieldsRagged
)

// ParseFieldPolicy converts "strict", "pad" or "ragged" to FieldPolicy, empty string means FieldsStrict
func ParseFieldPolicy(s string) (FieldPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return FieldsStrict, nil
	case "pad":
		return FieldsPad, nil
	case "ragged":
		return FieldsRagged, nil
	}
	return FieldsStrict, fmt.Errorf("unknown fields policy %q, expected strict, pad or ragged", s)
}

func (f FieldPolicy) String() string {
	switch f {
	case FieldsPad:
		return "pad"
	case FieldsRagged:
		return "ragged"
	default:
		return "strict"
	}
}

// apply returns the row to store and false if the field count didn't match want
func (f FieldPolicy) apply(fields []string, want int) (Row, bool) {
	if len(fields) == want {
		return fields, true
	}
	if f != FieldsPad {
		return fields, false
	}
	if len(fields) > want {
		return fields[:want:want], false
	}
	res := make(Row, want)
	copy(res, fields)
	return res, false
}
