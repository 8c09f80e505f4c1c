package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/tsvq/pkg/config"
	"github.com/umputun/tsvq/pkg/session"
	"github.com/umputun/tsvq/pkg/vtable"
)

type options struct {
	Config  string        `short:"f" long:"config" env:"TSVQ_CONFIG" description:"config file, yaml or toml"`
	Conn    string        `long:"conn" env:"TSVQ_CONN" description:"database connection string [default: :memory:]"`
	Module  string        `long:"module" env:"TSVQ_MODULE" description:"virtual table module name [default: tsv]"`
	Retries int           `long:"retries" env:"TSVQ_RETRIES" description:"retries on locked database, -1 for unlimited [default: -1]"`
	Wait    time.Duration `long:"wait" env:"TSVQ_WAIT" description:"wait between retries [default: 5s]"`
	Tables  []string      `short:"t" long:"table" description:"virtual table as name=file[,file...]"`

	TableOpts struct {
		Delimiter string `long:"delimiter" env:"DELIMITER" description:"field delimiter [default: \\t]"`
		Header    string `long:"header" env:"HEADER" description:"header policy, first or each"`
		Fields    string `long:"fields" env:"FIELDS" description:"field count policy, strict, pad or ragged"`
		SkipBlank bool   `long:"skip-blank" env:"SKIP_BLANK" description:"skip blank lines"`
		Normalize bool   `long:"normalize" env:"NORMALIZE" description:"normalize column names"`
	} `group:"table options" env-namespace:"TSVQ"`

	QueryCmd struct {
		Watch          bool `short:"w" long:"watch" description:"run query again on change of table files"`
		Null           bool `long:"null" description:"print NULL for null values instead of empty string"`
		PositionalArgs struct {
			SQL string `positional-arg-name:"sql" description:"sql query"`
		} `positional-args:"yes" required:"yes"`
	} `command:"query" description:"run sql query and print result as tsv"`

	DescribeCmd struct {
		Concurrent int `short:"c" long:"concurrent" description:"tables loaded concurrently" default:"4"`
	} `command:"describe" description:"load tables and print columns, rows and files"`

	TablesCmd struct{} `command:"tables" description:"list tables"`

	ShellCmd struct{} `command:"shell" description:"run statements from stdin"`

	Dbg bool `long:"dbg" description:"debug mode"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)
	log.Printf("[DEBUG] tsvq %s", revision)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "failed, %v\n", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, p *flags.Parser, opts options, stdin io.Reader, stdout io.Writer) error {
	conf, err := loadConfig(p, opts)
	if err != nil {
		return err
	}

	if isActive(p, "describe") {
		return describe(ctx, conf, opts.DescribeCmd.Concurrent, stdout)
	}

	defaults, err := conf.TableOptions(config.Table{})
	if err != nil {
		return fmt.Errorf("bad table defaults: %w", err)
	}
	sess, err := session.Open(ctx, session.Params{
		Conn:    conf.Database.Conn,
		Attach:  conf.Database.Attach,
		Module:  conf.Module,
		Options: defaults,
		Retry: session.Retry{Attempts: conf.Retry.Attempts, Wait: time.Duration(conf.Retry.Wait),
			Match: conf.Retry.Match},
	})
	if err != nil {
		return fmt.Errorf("can't open session: %w", err)
	}
	defer sess.Close()

	if err = createTables(ctx, sess, conf); err != nil {
		return err
	}

	switch {
	case isActive(p, "query"):
		q := opts.QueryCmd
		if err = sess.WriteTSV(ctx, stdout, q.PositionalArgs.SQL, !q.Null); err != nil {
			return err
		}
		if q.Watch {
			return watch(ctx, sess, conf, func() error {
				return sess.WriteTSV(ctx, stdout, q.PositionalArgs.SQL, !q.Null)
			})
		}
	case isActive(p, "tables"):
		tables, err := sess.Tables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintln(stdout, t)
		}
	case isActive(p, "shell"):
		return shell(ctx, sess, stdin, stdout)
	}
	return nil
}

// loadConfig makes config from the file, if any, and applies command line overrides.
// Flags and env win over the config file.
func loadConfig(p *flags.Parser, opts options) (*config.Config, error) {
	conf := config.Default()
	if opts.Config != "" {
		var err error
		if conf, err = config.New(opts.Config); err != nil {
			return nil, fmt.Errorf("can't load config: %w", err)
		}
	}

	if opts.Conn != "" {
		conf.Database.Conn = opts.Conn
	}
	if opts.Module != "" {
		conf.Module = opts.Module
	}
	if isSet(p, "retries") {
		conf.Retry.Attempts = opts.Retries
	}
	if isSet(p, "wait") {
		conf.Retry.Wait = config.Duration(opts.Wait)
	}

	to := opts.TableOpts
	if to.Delimiter != "" {
		conf.Defaults.Delimiter = to.Delimiter
	}
	if to.Header != "" {
		conf.Defaults.Header = to.Header
	}
	if to.Fields != "" {
		conf.Defaults.Fields = to.Fields
	}
	if to.SkipBlank {
		conf.Defaults.SkipBlank = &to.SkipBlank
	}
	if to.Normalize {
		conf.Defaults.Normalize = &to.Normalize
	}

	for _, spec := range opts.Tables {
		t, err := config.ParseTableSpec(spec)
		if err != nil {
			return nil, err
		}
		conf.Tables = append(conf.Tables, t)
	}
	if err := conf.Prepare(); err != nil {
		return nil, fmt.Errorf("bad configuration: %w", err)
	}
	return conf, nil
}

// createTables creates virtual table for each configured table
func createTables(ctx context.Context, sess *session.Session, conf *config.Config) error {
	for _, t := range conf.Tables {
		opts, err := conf.TableOptions(t)
		if err != nil {
			return fmt.Errorf("bad options of table %s: %w", t.Name, err)
		}
		if err = sess.CreateVirtual(ctx, t.Name, t.Files, opts); err != nil {
			return err
		}
	}
	return nil
}

// describe loads all tables concurrently and prints columns, rows and sources of each.
// Tables failed to load are reported together after the rest are printed.
func describe(ctx context.Context, conf *config.Config, concurrent int, out io.Writer) error {
	if concurrent < 1 {
		concurrent = 1
	}
	tables := make([]*vtable.Table, len(conf.Tables))
	errs := new(multierror.Error)
	lock := sync.Mutex{}

	wg := syncs.NewErrSizedGroup(concurrent, syncs.Context(ctx), syncs.Preemptive)
	for i, t := range conf.Tables {
		wg.Go(func() error {
			opts, err := conf.TableOptions(t)
			if err == nil {
				tables[i], err = vtable.Load(t.Files, opts)
			}
			if err != nil {
				lock.Lock()
				errs = multierror.Append(errs, fmt.Errorf("table %s: %w", t.Name, err))
				lock.Unlock()
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, tbl := range tables {
		if tbl == nil {
			continue
		}
		fmt.Fprintf(out, "%s\n", conf.Tables[i].Name)
		fmt.Fprintf(out, "  columns: %s\n", strings.Join(tbl.Schema().Columns(), ", "))
		fmt.Fprintf(out, "  rows: %d\n", tbl.Len())
		for _, src := range tbl.Sources() {
			fmt.Fprintf(out, "  %s lines:%d rows:%d hash:%016x\n", src.Path, src.Lines, src.Rows, src.Hash)
		}
	}
	return errs.ErrorOrNil()
}

// watch reloads tables and calls fn on each change of table files, until ctx is canceled.
// Directories of the files are watched as editors often replace files on save.
func watch(ctx context.Context, sess *session.Session, conf *config.Config, fn func() error) error {
	files := make(map[string]bool)
	dirs := []string{}
	for _, f := range conf.Paths() {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("can't get absolute path of %s: %w", f, err)
		}
		files[abs] = true
		if dir := filepath.Dir(abs); !contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no files to watch")
	}

	changed := make(chan string, 1)
	onEvent := func(ev fileutils.FileEvent) {
		abs, err := filepath.Abs(ev.Path)
		if err != nil || !files[abs] {
			return
		}
		select {
		case changed <- abs:
		default: // change is pending already
		}
	}

	fw, err := fileutils.NewFileWatcher(dirs[0], onEvent)
	if err != nil {
		return fmt.Errorf("can't watch %s: %w", dirs[0], err)
	}
	defer fw.Close()
	for _, dir := range dirs[1:] {
		if err = fw.AddPath(dir); err != nil {
			return fmt.Errorf("can't watch %s: %w", dir, err)
		}
	}
	log.Printf("[INFO] watching %d files in %d directories", len(files), len(dirs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-changed:
			if !sleepCtx(ctx, 100*time.Millisecond) { // let the writer finish
				return nil
			}
			log.Printf("[INFO] %s changed, reloading", path)
			if err := reloadTables(ctx, sess, conf); err != nil {
				log.Printf("[WARN] can't reload tables, %v", err)
				continue
			}
			if err := fn(); err != nil {
				log.Printf("[WARN] query failed, %v", err)
			}
		}
	}
}

// reloadTables drops and creates virtual tables again, files are read on create
func reloadTables(ctx context.Context, sess *session.Session, conf *config.Config) error {
	for _, t := range conf.Tables {
		if err := sess.Drop(ctx, t.Name); err != nil {
			return err
		}
	}
	return createTables(ctx, sess, conf)
}

// sleepCtx waits for d, returns false if ctx is done first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isActive(p *flags.Parser, cmd string) bool {
	return p.Active != nil && p.Command.Find(cmd) == p.Active
}

// isSet checks if the option was passed on the command line or with env
func isSet(p *flags.Parser, longName string) bool {
	opt := p.FindOptionByLongName(longName)
	return opt != nil && opt.IsSet()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(os.Stderr), lgr.LevelBraces} // stdout is for results
	if dbg {
		logOpts = []lgr.Option{lgr.Out(os.Stderr), lgr.Err(io.Discard), lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec,
			lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
