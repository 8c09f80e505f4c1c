// Package session wraps sqlite database with the tsv module registered. It retries statements failed
// on lock contention, creates virtual tables for files and exports query results as tsv.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-pkgz/stringutils"
	_ "modernc.org/sqlite" // sqlite driver loaded here

	"github.com/umputun/tsvq/pkg/schema"
	"github.com/umputun/tsvq/pkg/vtable"
)

// Params defines how the session is opened
type Params struct {
	Conn    string         // sqlite connection string, ":memory:" if empty
	Attach  []string       // statements executed right after connect, i.e. ATTACH DATABASE
	Module  string         // module name to register, nothing registered if empty
	Options vtable.Options // default options of the module
	Retry   Retry
}

// Retry defines retries of statements failed with one of Match substrings in the error.
// Attempts < 0 retries forever, 0 makes a single attempt and N allows N retries.
type Retry struct {
	Attempts int
	Wait     time.Duration
	Match    []string
}

// Session is a single-connection database handle
type Session struct {
	db     *sql.DB
	module string
	retry  Retry
}

// Open makes a session. The module is registered before the first connection is made,
// the connection is limited to one as in-memory database and temp virtual tables live in it.
func Open(ctx context.Context, p Params) (*Session, error) {
	if p.Conn == "" {
		p.Conn = ":memory:"
	}
	db, err := sql.Open("sqlite", p.Conn)
	if err != nil {
		return nil, fmt.Errorf("can't open database %s: %w", p.Conn, err)
	}
	db.SetMaxOpenConns(1)

	if p.Module != "" {
		if err = vtable.Register(db, p.Module, p.Options); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	res := &Session{db: db, module: p.Module, retry: p.Retry}
	for _, stmt := range p.Attach {
		if err = res.ExecWait(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("can't attach with %q: %w", stmt, err)
		}
	}
	log.Printf("[DEBUG] session opened, database %s, module %q", p.Conn, p.Module)
	return res, nil
}

// DB returns the underlying database handle
func (s *Session) DB() *sql.DB { return s.db }

// Close closes the database
func (s *Session) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("can't close database: %w", err)
	}
	return nil
}

// ExecWait executes statement, retrying on matched errors with the constant wait
func (s *Session) ExecWait(ctx context.Context, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Execute runs statements one by one, stops on the first failed
func (s *Session) Execute(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if err := s.ExecWait(ctx, stmt); err != nil {
			return fmt.Errorf("can't execute %q: %w", stmt, err)
		}
	}
	return nil
}

// CreateVirtual creates virtual table name over the files with the session's module.
// A database file keeps tables between sessions. A table declared earlier with the same files
// and options is kept, the engine reloads its files on first use. A table of the session's module
// declared with other files or options is dropped and created again.
func (s *Session) CreateVirtual(ctx context.Context, name string, paths []string, opts vtable.Options) error {
	if s.module == "" {
		return fmt.Errorf("can't create virtual table %s: no module registered", name)
	}
	prefix := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING %s(", schema.QuoteIdent(name), s.module)
	query := prefix + strings.Join(vtable.Args(paths, opts), ", ") + ")"

	declared, err := s.declaration(ctx, name)
	if err != nil {
		return fmt.Errorf("can't create virtual table %s: %w", name, err)
	}
	switch {
	case declared == "":
	case declared == query:
		log.Printf("[INFO] virtual table %s declared already, reused", name)
		return nil
	case strings.HasPrefix(strings.ToLower(declared), strings.ToLower(prefix)):
		log.Printf("[INFO] virtual table %s declared with other arguments, replaced", name)
		if err = s.Drop(ctx, name); err != nil {
			return fmt.Errorf("can't create virtual table %s: %w", name, err)
		}
	}

	if err := s.ExecWait(ctx, query); err != nil {
		return fmt.Errorf("can't create virtual table %s: %w", name, err)
	}
	log.Printf("[INFO] virtual table %s created from %d files", name, len(paths))
	return nil
}

// declaration returns the statement table name was created with, empty if there is no such table
func (s *Session) declaration(ctx context.Context, name string) (string, error) {
	res, err := s.Fetch(ctx, "SELECT sql FROM sqlite_master WHERE type='table' AND name = ? COLLATE NOCASE", name)
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0][0], nil
}

// Drop drops the table if it exists. Backing files of virtual tables are not touched.
func (s *Session) Drop(ctx context.Context, name string) error {
	if err := s.ExecWait(ctx, "DROP TABLE IF EXISTS "+schema.QuoteIdent(name)); err != nil {
		return fmt.Errorf("can't drop table %s: %w", name, err)
	}
	return nil
}

// Tables returns names of all tables, virtual included, sorted by name
func (s *Session) Tables(ctx context.Context) ([]string, error) {
	res, err := s.Fetch(ctx, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("can't get tables: %w", err)
	}
	names := make([]string, 0, len(res))
	for _, r := range res {
		names = append(names, r[0])
	}
	return names, nil
}

// ColumnNames returns column names of the table
func (s *Session) ColumnNames(ctx context.Context, table string) ([]string, error) {
	res, err := s.FetchWithNames(ctx, "SELECT * FROM "+schema.QuoteIdent(table)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("can't get columns of %s: %w", table, err)
	}
	return res[0], nil
}

// Fetch returns all rows of the query, NULL values as empty strings
func (s *Session) Fetch(ctx context.Context, query string, args ...any) ([][]string, error) {
	res, err := s.FetchWithNames(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return res[1:], nil
}

// FetchWithNames returns all rows of the query with the column names as the first row.
// NULL values are empty strings.
func (s *Session) FetchWithNames(ctx context.Context, query string, args ...any) ([][]string, error) {
	var res [][]string
	err := s.scan(ctx, query, args, func(row []sql.NullString) error {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = v.String
		}
		res = append(res, vals)
		return nil
	}, func(cols []string) error {
		res = [][]string{cols}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WriteTSV writes the query result to w as tab-separated lines, the first one with column names.
// NULL values are written as empty strings if removeNull set, as NULL otherwise.
func (s *Session) WriteTSV(ctx context.Context, w io.Writer, query string, removeNull bool) error {
	nullStr := "NULL"
	if removeNull {
		nullStr = ""
	}
	writeLine := func(vals []string) error {
		_, err := io.WriteString(w, strings.Join(vals, "\t")+"\n")
		return err
	}
	return s.scan(ctx, query, nil, func(row []sql.NullString) error {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = nullStr
			if v.Valid {
				vals[i] = v.String
			}
		}
		return writeLine(vals)
	}, func(cols []string) error {
		if len(cols) == 0 {
			return nil // statement without result columns
		}
		return writeLine(cols)
	})
}

// scan runs the query with retries and calls onCols once with column names, then onRow for each row.
// Retries are limited to the query start, rows already passed to callbacks are never repeated.
func (s *Session) scan(ctx context.Context, query string, args []any, onRow func([]sql.NullString) error,
	onCols func([]string) error) error {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() (err error) {
		rows, err = s.db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("can't query %q: %w", stringutils.Truncate(query, 80), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("can't get columns: %w", err)
	}
	if err = onCols(cols); err != nil {
		return err
	}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err = rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("can't scan row: %w", err)
		}
		if err = onRow(vals); err != nil {
			return err
		}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("can't read rows of %q: %w", stringutils.Truncate(query, 80), err)
	}
	return nil
}

// withRetry calls fn until it succeeds, fails with not matched error or attempts are exhausted
func (s *Session) withRetry(ctx context.Context, fn func() error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(s.retry.Wait)
	if s.retry.Attempts >= 0 {
		b = backoff.WithMaxRetries(b, uint64(s.retry.Attempts))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !stringutils.ContainsAnySubstring(err.Error(), s.retry.Match) {
			return backoff.Permanent(err)
		}
		log.Printf("[WARN] attempt %d failed, %v", attempt, err)
		return err
	}, b)
}
