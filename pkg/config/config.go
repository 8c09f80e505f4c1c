// Package config loads the description of virtual tables and the database session
// from yaml or toml file, or makes it from command line table specs.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/tsvq/pkg/loader"
	"github.com/umputun/tsvq/pkg/schema"
	"github.com/umputun/tsvq/pkg/vtable"
)

// Config defines the top-level config object
type Config struct {
	Database Database     `yaml:"database" toml:"database"` // database to attach virtual tables to
	Module   string       `yaml:"module" toml:"module"`     // name the module registered under
	Retry    Retry        `yaml:"retry" toml:"retry"`       // retry of statements on lock contention
	Defaults TableOptions `yaml:"defaults" toml:"defaults"` // options for all tables
	Tables   []Table      `yaml:"tables" toml:"tables"`     // virtual tables
}

// Database defines connection and statements executed right after connect
type Database struct {
	Conn   string   `yaml:"conn" toml:"conn"`
	Attach []string `yaml:"attach" toml:"attach"`
}

// Retry defines how statements failed on lock contention are retried.
// Attempts < 0 means retry forever, 0 means a single attempt.
type Retry struct {
	Attempts int      `yaml:"attempts" toml:"attempts"`
	Wait     Duration `yaml:"wait" toml:"wait"`
	Match    []string `yaml:"match" toml:"match"` // error substrings to retry on
}

// TableOptions defines how files are turned into a table, empty values mean defaults
type TableOptions struct {
	Delimiter string `yaml:"delimiter" toml:"delimiter"`   // single character or "\t"
	Header    string `yaml:"header" toml:"header"`         // first or each
	Fields    string `yaml:"fields" toml:"fields"`         // strict, pad or ragged
	SkipBlank *bool  `yaml:"skip_blank" toml:"skip_blank"` // drop blank lines
	Normalize *bool  `yaml:"normalize" toml:"normalize"`   // normalize column names
}

// Table defines a virtual table made from files
type Table struct {
	Name      string   `yaml:"name" toml:"name"`
	Files     []string `yaml:"files" toml:"files"` // paths or glob patterns
	Delimiter string   `yaml:"delimiter" toml:"delimiter"`
	Header    string   `yaml:"header" toml:"header"`
	Fields    string   `yaml:"fields" toml:"fields"`
	SkipBlank *bool    `yaml:"skip_blank" toml:"skip_blank"`
	Normalize *bool    `yaml:"normalize" toml:"normalize"`
}

// Duration is time.Duration set as "5s" in config files
type Duration time.Duration

// UnmarshalText parses duration string, used by toml
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML parses duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

const (
	defaultModule = "tsv"
	defaultConn   = ":memory:"
)

// Default makes config with defaults set: in-memory database, "tsv" module,
// unlimited retries with 5s wait on "locked" errors
func Default() *Config {
	return &Config{
		Database: Database{Conn: defaultConn},
		Module:   defaultModule,
		Retry:    Retry{Attempts: -1, Wait: Duration(5 * time.Second), Match: []string{"locked"}},
	}
}

// New loads config from the file, yaml or toml by extension. Relative file paths of tables are resolved
// against the config file location, globs are expanded. Returns an error listing all problems found.
func New(fname string) (*Config, error) {
	log.Printf("[DEBUG] request to load config %q", fname)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	res := Default()
	if err = unmarshal(fname, data, res); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(fname)
	for i, t := range res.Tables {
		for j, f := range t.Files {
			if f != "" && !filepath.IsAbs(f) {
				res.Tables[i].Files[j] = filepath.Join(baseDir, f)
			}
		}
	}

	if err = res.Prepare(); err != nil {
		return nil, fmt.Errorf("config %s is invalid: %w", fname, err)
	}
	log.Printf("[INFO] config loaded with %d tables", len(res.Tables))
	return res, nil
}

// unmarshal decodes yaml (strict, unknown fields rejected) or toml depending on file extension
func unmarshal(fname string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(fname)) {
	case ".yml", ".yaml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown config format %s", fname)
	}
	return nil
}

// Prepare expands globs of table files and checks the config.
// All problems are collected and returned together.
func (c *Config) Prepare() error {
	errs := new(multierror.Error)
	if c.Module == "" {
		errs = multierror.Append(errs, fmt.Errorf("module name is required"))
	}
	if c.Database.Conn == "" {
		errs = multierror.Append(errs, fmt.Errorf("database connection is required"))
	}
	if _, err := c.Defaults.vtableOptions(vtable.Options{}); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("bad defaults: %w", err))
	}

	names := make(map[string]bool)
	for i, t := range c.Tables {
		if t.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("table #%d: name is required", i+1))
		}
		if names[strings.ToLower(t.Name)] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate table name %q", t.Name))
		}
		names[strings.ToLower(t.Name)] = true

		if len(t.Files) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("table %q has no files", t.Name))
		}
		files, err := expandFiles(t.Files)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %q: %w", t.Name, err))
		}
		c.Tables[i].Files = files
		if _, err := c.TableOptions(t); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %q: %w", t.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// TableOptions returns vtable options for the table, table settings override config defaults
func (c *Config) TableOptions(t Table) (vtable.Options, error) {
	base, err := c.Defaults.vtableOptions(vtable.Options{})
	if err != nil {
		return vtable.Options{}, err
	}
	return t.options().vtableOptions(base)
}

// Paths returns all files of all tables, used to watch for changes
func (c *Config) Paths() []string {
	var res []string
	for _, t := range c.Tables {
		res = append(res, t.Files...)
	}
	return res
}

func (t Table) options() TableOptions {
	return TableOptions{Delimiter: t.Delimiter, Header: t.Header, Fields: t.Fields,
		SkipBlank: t.SkipBlank, Normalize: t.Normalize}
}

// vtableOptions applies set options on top of base
func (o TableOptions) vtableOptions(base vtable.Options) (res vtable.Options, err error) {
	res = base
	errs := new(multierror.Error)
	if o.Delimiter != "" {
		if res.Loader.Delimiter, err = vtable.ParseDelimiter(o.Delimiter); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if o.Header != "" {
		if res.Loader.Header, err = loader.ParseHeaderPolicy(o.Header); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if o.Fields != "" {
		if res.Loader.Fields, err = loader.ParseFieldPolicy(o.Fields); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if o.SkipBlank != nil {
		res.Loader.SkipBlank = *o.SkipBlank
	}
	if o.Normalize != nil {
		res.Schema = schema.Options{Normalize: *o.Normalize}
	}
	return res, errs.ErrorOrNil()
}

// expandFiles replaces glob patterns by matched files, sorted. Plain paths should point to existing files.
func expandFiles(files []string) ([]string, error) {
	res := make([]string, 0, len(files))
	errs := new(multierror.Error)
	for _, f := range files {
		if !strings.ContainsAny(f, "*?[") {
			if !fileutils.IsFile(f) {
				errs = multierror.Append(errs, fmt.Errorf("file %s not found", f))
			}
			res = append(res, f)
			continue
		}
		matches, err := filepath.Glob(f)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bad pattern %s: %w", f, err))
			continue
		}
		if len(matches) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("no files match %s", f))
			continue
		}
		res = append(res, matches...)
	}
	return res, errs.ErrorOrNil()
}

// ParseTableSpec makes a table from "name=file1,file2" string
func ParseTableSpec(spec string) (Table, error) {
	name, files, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.TrimSpace(files) == "" {
		return Table{}, fmt.Errorf("bad table spec %q, expected name=file[,file...]", spec)
	}
	res := Table{Name: name}
	for _, f := range strings.Split(files, ",") {
		if f = strings.TrimSpace(f); f != "" {
			res.Files = append(res.Files, f)
		}
	}
	return res, nil
}
