package vtable

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/tsvq/pkg/loader"
)

// ParseArgs splits USING arguments into file paths and table options, starting from defaults.
// Quoted or plain arguments without "=" are paths, path=, file= and filename= name a path too.
// Supported options: delimiter, header (first|each), fields (strict|pad|ragged), skip_blank and normalize.
// All problems are reported together.
func ParseArgs(args []string, defaults Options) (paths []string, opts Options, err error) {
	opts = defaults
	errs := new(multierror.Error)
	for _, raw := range args {
		arg := strings.TrimSpace(raw)
		if arg == "" {
			continue
		}
		if isQuoted(arg) {
			paths = append(paths, unquote(arg))
			continue
		}
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			paths = append(paths, arg)
			continue
		}
		key, val = strings.ToLower(strings.TrimSpace(key)), unquote(strings.TrimSpace(val))

		var e error
		switch key {
		case "path", "file", "filename":
			paths = append(paths, val)
		case "delimiter":
			opts.Loader.Delimiter, e = ParseDelimiter(val)
		case "header":
			opts.Loader.Header, e = loader.ParseHeaderPolicy(val)
		case "fields":
			opts.Loader.Fields, e = loader.ParseFieldPolicy(val)
		case "skip_blank":
			opts.Loader.SkipBlank, e = strconv.ParseBool(val)
		case "normalize":
			opts.Schema.Normalize, e = strconv.ParseBool(val)
		default:
			e = fmt.Errorf("unknown argument %q", key)
		}
		if e != nil {
			errs = multierror.Append(errs, fmt.Errorf("bad %s: %w", key, e))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, defaults, err
	}
	if len(paths) == 0 {
		return nil, defaults, loader.ErrNoPaths
	}
	return paths, opts, nil
}

// ParseDelimiter converts "\t", "tab" or a single character to the delimiter rune
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case `\t`, "\t", "tab":
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter %q should be a single character", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

// Args makes USING arguments for paths and options, reverse to ParseArgs
func Args(paths []string, opts Options) []string {
	res := make([]string, 0, len(paths)+5)
	for _, p := range paths {
		res = append(res, quote(p))
	}
	if opts.Loader.Delimiter != 0 && opts.Loader.Delimiter != '\t' {
		res = append(res, "delimiter="+quote(string(opts.Loader.Delimiter)))
	}
	res = append(res, "header="+opts.Loader.Header.String(), "fields="+opts.Loader.Fields.String())
	if opts.Loader.SkipBlank {
		res = append(res, "skip_blank=true")
	}
	if opts.Schema.Normalize {
		res = append(res, "normalize=true")
	}
	return res
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]
}

// unquote strips sql quotes and collapses doubled quote characters inside
func unquote(s string) string {
	if !isQuoted(s) {
		return s
	}
	q := s[:1]
	return strings.ReplaceAll(s[1:len(s)-1], q+q, q)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
