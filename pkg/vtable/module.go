// Package vtable implements a sqlite virtual table module over delimited text files.
//
// A table is created with CREATE VIRTUAL TABLE name USING <module>('a.tsv', 'b.tsv', fields=pad).
// Files are loaded in full when the table is created or connected, the module declares
// columns from the header and every query scans the in-memory rows with its own cursor.
// No index is supported, the engine always does a full scan.
package vtable

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/umputun/tsvq/pkg/loader"
	"github.com/umputun/tsvq/pkg/schema"
)

// Options are module defaults, each table can override them with USING arguments
type Options struct {
	Loader loader.Options
	Schema schema.Options
}

// Module is the factory of tables, registered with the engine under a name
type Module struct {
	mu   sync.RWMutex
	opts Options
}

// registered modules by name, the engine keeps them for the process lifetime
var registry = struct {
	sync.Mutex
	modules map[string]*Module
}{modules: map[string]*Module{}}

var _ vtab.Module = (*Module)(nil)

// NewModule makes a module with default table options
func NewModule(opts Options) *Module {
	return &Module{opts: opts}
}

// Register makes the module available to db under the given name.
// Registration applies to connections opened after this call, so it should be done
// right after sql.Open and before the first query. The engine keeps modules process-wide,
// registering a name again replaces default options of the module registered before.
func Register(db *sql.DB, name string, opts Options) error {
	registry.Lock()
	defer registry.Unlock()
	if m, ok := registry.modules[name]; ok {
		m.setOptions(opts)
		log.Printf("[DEBUG] module %q options updated", name)
		return nil
	}
	m := NewModule(opts)
	if err := vtab.RegisterModule(db, name, m); err != nil {
		return fmt.Errorf("can't register module %q: %w", name, err)
	}
	registry.modules[name] = m
	log.Printf("[DEBUG] module %q registered", name)
	return nil
}

func (m *Module) setOptions(opts Options) {
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
}

func (m *Module) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// Create is called by the engine on CREATE VIRTUAL TABLE.
// args are module name, database name, table name followed by USING arguments.
func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	tbl, err := m.connect(ctx, "create", args)
	if err != nil {
		return nil, err
	}
	return tbl, nil
}

// Connect is called by the engine for a table declared earlier, i.e. on a new connection to a database file.
// It does the same as Create and reloads the files, so the table reflects their current content.
func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	tbl, err := m.connect(ctx, "connect", args)
	if err != nil {
		return nil, err
	}
	return tbl, nil
}

func (m *Module) connect(ctx vtab.Context, op string, args []string) (*Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("can't %s table, unexpected arguments %v", op, args)
	}
	dbName, tblName := args[1], args[2]
	paths, opts, err := ParseArgs(args[3:], m.options())
	if err != nil {
		return nil, fmt.Errorf("can't parse arguments of %s: %w", tblName, err)
	}

	tbl, err := Load(paths, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Declare(tbl.schema.Declaration()); err != nil {
		return nil, fmt.Errorf("can't declare %s with %d columns: %w", tblName, tbl.schema.Len(), err)
	}
	log.Printf("[INFO] %s %s.%s from %s, columns: %d, rows: %d",
		op, dbName, tblName, strings.Join(paths, ","), tbl.schema.Len(), len(tbl.rows))
	return tbl, nil
}

// Load reads paths and makes a table without the engine involved
func Load(paths []string, opts Options) (*Table, error) {
	res, err := loader.Load(paths, opts.Loader)
	if err != nil {
		return nil, fmt.Errorf("can't load table: %w", err)
	}
	return &Table{schema: schema.New(res.Header, opts.Schema), rows: res.Rows, sources: res.Sources}, nil
}
