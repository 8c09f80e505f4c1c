// Package loader reads delimited text files into an in-memory row store.
// The first line read across all files names the columns, every other line
// becomes a row of string fields. No type inference, quoting or escaping is done.
package loader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"unicode"

	"github.com/go-pkgz/stringutils"
	"github.com/zeebo/xxh3"
)

const utf8BOM = "\uFEFF"

// Row is a single data line split into fields. The first field doubles as the row identifier.
type Row []string

// Store is the ordered collection of rows of one table, read-only once loaded.
type Store []Row

// Options defines how lines are turned into rows
type Options struct {
	Delimiter rune         // field delimiter for data lines, tab if not set
	Header    HeaderPolicy // which first lines are headers
	Fields    FieldPolicy  // what to do with rows whose field count differs from the header
	SkipBlank bool         // drop lines containing only whitespace
}

// Source describes one loaded file
type Source struct {
	Path  string
	Lines int    // lines read, header included
	Rows  int    // rows appended to the store
	Hash  uint64 // xxh3 of the file content
}

// Result is the outcome of Load
type Result struct {
	Header  []string // raw header tokens, whitespace-split
	Rows    Store
	Sources []Source
}

// ErrNoPaths returned by Load for an empty path list
var ErrNoPaths = errors.New("no paths to load")

// IOError reports a file which can't be opened or read
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("can't read %s: %v", e.Path, e.Err) }

// Unwrap returns the underlying os error
func (e *IOError) Unwrap() error { return e.Err }

// MismatchError reports a data row with a field count different from the header's column count.
// Returned with FieldsStrict policy only.
type MismatchError struct {
	Path string
	Line int // 1-based line number in Path
	Got  int
	Want int
	Text string // truncated line content
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s:%d: expected %d fields, got %d in %q", e.Path, e.Line, e.Want, e.Got, e.Text)
}

// Load reads all paths in order. The very first line read is split on whitespace into the header,
// all other lines are split on opts.Delimiter and appended to the store. With HeaderFirst policy
// the first line of every file after the first one is data, with HeaderEach it is skipped.
// Files are read in full on every call, nothing is cached.
func Load(paths []string, opts Options) (*Result, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = '\t'
	}

	res := &Result{Sources: make([]Source, 0, len(paths))}
	headerSeen := false
	for _, p := range paths {
		src, err := loadFile(p, opts, res, &headerSeen)
		if err != nil {
			return nil, err
		}
		res.Sources = append(res.Sources, src)
		log.Printf("[DEBUG] loaded %s, lines: %d, rows: %d, hash: %016x", p, src.Lines, src.Rows, src.Hash)
	}
	if res.Header == nil {
		res.Header = []string{}
	}
	return res, nil
}

func loadFile(path string, opts Options, res *Result, headerSeen *bool) (Source, error) {
	src := Source{Path: path}
	fh, err := os.Open(path) // nolint
	if err != nil {
		return src, &IOError{Path: path, Err: err}
	}
	defer fh.Close() // nolint

	hasher := xxh3.New()
	rd := bufio.NewReader(io.TeeReader(fh, hasher))
	delim := string(opts.Delimiter)
	mismatched := 0
	for {
		line, readErr := rd.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return src, &IOError{Path: path, Err: readErr}
		}
		if line == "" && readErr == io.EOF {
			break
		}
		src.Lines++
		lineNum := src.Lines

		if lineNum == 1 {
			line = strings.TrimPrefix(line, utf8BOM)
		}
		// trailing delimiters are kept, they close empty last fields
		line = strings.TrimRightFunc(line, func(r rune) bool { return r != opts.Delimiter && unicode.IsSpace(r) })

		switch {
		case opts.SkipBlank && stringutils.IsBlank(line):
		case !*headerSeen:
			res.Header = strings.Fields(line)
			*headerSeen = true
		case lineNum == 1 && opts.Header == HeaderEach:
			log.Printf("[DEBUG] skip header line of %s", path)
		default:
			row, ok := opts.Fields.apply(strings.Split(line, delim), len(res.Header))
			if !ok {
				if opts.Fields == FieldsStrict {
					return src, &MismatchError{Path: path, Line: lineNum, Got: len(row), Want: len(res.Header),
						Text: stringutils.Truncate(line, 64)}
				}
				mismatched++
			}
			res.Rows = append(res.Rows, row)
			src.Rows++
		}

		if readErr == io.EOF {
			break
		}
	}
	if mismatched > 0 {
		log.Printf("[WARN] %s has %d rows with field count different from %d header columns",
			path, mismatched, len(res.Header))
	}
	src.Hash = hasher.Sum64()
	return src, nil
}
