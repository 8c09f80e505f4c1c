package vtable

import (
	"modernc.org/sqlite/vtab"

	"github.com/umputun/tsvq/pkg/loader"
	"github.com/umputun/tsvq/pkg/schema"
)

// Table is one virtual table instance. It owns the schema and rows, both immutable after load,
// and makes cursors sharing read-only access to the rows.
type Table struct {
	schema  schema.Schema
	rows    loader.Store
	sources []loader.Source
}

var _ vtab.Table = (*Table)(nil)

// Schema returns table columns
func (t *Table) Schema() schema.Schema { return t.schema }

// Len returns number of rows
func (t *Table) Len() int { return len(t.rows) }

// Sources returns loaded files info
func (t *Table) Sources() []loader.Source {
	res := make([]loader.Source, len(t.sources))
	copy(res, t.sources)
	return res
}

// BestIndex declines every constraint and ordering, the engine has to do a full scan
func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		info.Constraints[i].ArgIndex = -1
		info.Constraints[i].Omit = false
	}
	info.IdxNum = 0
	info.IdxStr = ""
	info.OrderByConsumed = false
	info.EstimatedRows = int64(len(t.rows))
	info.EstimatedCost = float64(len(t.rows) + 1)
	return nil
}

// Open makes a new cursor before the first row
func (t *Table) Open() (vtab.Cursor, error) {
	return t.Cursor(), nil
}

// Cursor is the typed version of Open
func (t *Table) Cursor() *Cursor {
	return &Cursor{table: t}
}

// Disconnect does nothing, files were closed on load
func (t *Table) Disconnect() error { return nil }

// Destroy does nothing, files are never changed or removed
func (t *Table) Destroy() error { return nil }
