// Package schema turns header tokens into an ordered column schema and the
// CREATE TABLE statement a host engine needs to declare a virtual table shape.
package schema

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Options for New
type Options struct {
	Normalize bool // convert column names to lowercase ascii identifiers
}

// Schema is an immutable, ordered list of column names.
// Names are opaque, duplicates and empty names are kept as given.
type Schema struct {
	columns []string
}

// New makes Schema from header tokens
func New(tokens []string, opts Options) Schema {
	cols := make([]string, len(tokens))
	for i, tok := range tokens {
		cols[i] = tok
		if opts.Normalize {
			cols[i] = NormalizeName(tok, i)
		}
	}
	return Schema{columns: cols}
}

// Columns returns a copy of column names
func (s Schema) Columns() []string {
	res := make([]string, len(s.columns))
	copy(res, s.columns)
	return res
}

// Len returns number of columns
func (s Schema) Len() int { return len(s.columns) }

// Index returns position of the first column with the given name or -1
func (s Schema) Index(name string) int {
	for i, c := range s.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Declaration makes the table definition for the host engine, i.e. CREATE TABLE x("id","name").
// An empty schema produces "CREATE TABLE x()" which the engine is expected to reject.
func (s Schema) Declaration() string {
	quoted := make([]string, len(s.columns))
	for i, c := range s.columns {
		quoted[i] = QuoteIdent(c)
	}
	return "CREATE TABLE x(" + strings.Join(quoted, ",") + ")"
}

// QuoteIdent wraps name in double quotes, doubling embedded quotes
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NormalizeName converts a header token into a lowercase ascii identifier:
// accents stripped, space, dash and dot turned into underscore, everything else outside [a-z0-9_] dropped.
// Returns col_N (1-based on idx) if nothing is left.
func NormalizeName(name string, idx int) string {
	name = strings.ToLower(strings.TrimSpace(name))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(t, name)
	if err != nil {
		ascii = name
	}

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	res := strings.Trim(b.String(), "_")
	if res == "" {
		return "col_" + strconv.Itoa(idx+1)
	}
	return res
}
