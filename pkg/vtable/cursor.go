package vtable

import (
	"errors"
	"fmt"
	"strconv"

	"modernc.org/sqlite/vtab"
)

var (
	// ErrPrecondition returned by cursor calls made while the cursor is past the last row
	// or for a field the current row doesn't have. It is a caller bug, not a data problem.
	ErrPrecondition = errors.New("cursor precondition violated")
	// ErrClosed returned by any cursor call after Close
	ErrClosed = errors.New("cursor closed")
)

// Cursor iterates rows of a Table for a single query. It holds its own position,
// cursors of the same table don't affect each other.
type Cursor struct {
	table  *Table
	pos    int
	closed bool
}

var _ vtab.Cursor = (*Cursor)(nil)

// Filter rewinds to the first row. Index number, string and values are ignored as no index is supported.
func (c *Cursor) Filter(_ int, _ string, _ []vtab.Value) error {
	if c.closed {
		return ErrClosed
	}
	c.pos = 0
	return nil
}

// Eof reports true if the cursor is past the last row or closed
func (c *Cursor) Eof() bool {
	return c.closed || c.pos >= len(c.table.rows)
}

// Next moves to the next row
func (c *Cursor) Next() error {
	if c.closed {
		return ErrClosed
	}
	if c.Eof() {
		return fmt.Errorf("%w: next after the last row", ErrPrecondition)
	}
	c.pos++
	return nil
}

// RowID returns the first field of the current row
func (c *Cursor) RowID() (string, error) {
	row, err := c.current()
	if err != nil {
		return "", err
	}
	if len(row) == 0 {
		return "", fmt.Errorf("%w: row %d has no fields", ErrPrecondition, c.pos)
	}
	return row[0], nil
}

// Rowid returns the first field of the current row as an integer, as the engine requires one.
// If the first field is not an integer the 1-based row position is returned instead.
// Rowids are not unique: the position of a non-integer row may equal the integer id of another
// row, so queries needing a stable key should use RowID or the first column.
func (c *Cursor) Rowid() (int64, error) {
	id, err := c.RowID()
	if err != nil {
		return 0, err
	}
	if n, perr := strconv.ParseInt(id, 10, 64); perr == nil {
		return n, nil
	}
	return int64(c.pos + 1), nil
}

// Column returns the field at col of the current row as a string, with no type conversion
func (c *Cursor) Column(col int) (vtab.Value, error) {
	row, err := c.current()
	if err != nil {
		return nil, err
	}
	if col < 0 || col >= len(row) {
		return nil, fmt.Errorf("%w: column %d is out of %d fields in row %d", ErrPrecondition, col, len(row), c.pos)
	}
	return row[col], nil
}

// Close releases the cursor, all following calls fail with ErrClosed
func (c *Cursor) Close() error {
	c.closed = true
	return nil
}

func (c *Cursor) current() ([]string, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.pos >= len(c.table.rows) {
		return nil, fmt.Errorf("%w: no current row, cursor at %d of %d", ErrPrecondition, c.pos, len(c.table.rows))
	}
	return c.table.rows[c.pos], nil
}
