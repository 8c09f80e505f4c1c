package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	tokens := []string{"id", "name", "score"}
	s := New(tokens, Options{})
	assert.Equal(t, []string{"id", "name", "score"}, s.Columns())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 1, s.Index("name"))
	assert.Equal(t, -1, s.Index("missing"))

	tokens[0] = "changed"
	assert.Equal(t, "id", s.Columns()[0], "schema should not share the input slice")
	cols := s.Columns()
	cols[1] = "changed"
	assert.Equal(t, "name", s.Columns()[1], "schema should not expose internal slice")
}

func TestSchema_Declaration(t *testing.T) {
	tbl := []struct {
		name   string
		tokens []string
		opts   Options
		want   string
	}{
		{name: "simple", tokens: []string{"id", "name", "score"}, want: `CREATE TABLE x("id","name","score")`},
		{name: "empty", tokens: []string{}, want: `CREATE TABLE x()`},
		{name: "duplicates kept", tokens: []string{"id", "id"}, want: `CREATE TABLE x("id","id")`},
		{name: "quote escaped", tokens: []string{`we"ird`, "select"}, want: `CREATE TABLE x("we""ird","select")`},
		{name: "normalized", tokens: []string{"Gene ID", "Score(%)"}, opts: Options{Normalize: true},
			want: `CREATE TABLE x("gene_id","score")`},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.tokens, tt.opts).Declaration())
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tbl := []struct {
		in   string
		idx  int
		want string
	}{
		{"Gene ID", 0, "gene_id"},
		{"Čas-Jízdy", 0, "cas_jizdy"},
		{"a.b.c", 0, "a_b_c"},
		{"__x__", 0, "x"},
		{"a  -  b", 0, "a_b"},
		{"snake_case_1", 0, "snake_case_1"},
		{"%%%", 2, "col_3"},
		{"", 0, "col_1"},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in, tt.idx))
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"abc"`, QuoteIdent("abc"))
	assert.Equal(t, `""`, QuoteIdent(""))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}
