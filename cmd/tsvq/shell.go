package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/umputun/tsvq/pkg/session"
)

const shellPrompt = "tsvq> "

type lineReader interface {
	ReadLine() (string, error)
}

// scanReader reads lines from non-interactive input
type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// shell runs statements read line by line. Queries print tsv, other statements are executed.
// Failed statements are reported and don't stop the shell.
func shell(ctx context.Context, sess *session.Session, stdin io.Reader, stdout io.Writer) error {
	var reader lineReader = &scanReader{scanner: bufio.NewScanner(stdin)}
	out := stdout

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("can't make raw terminal: %w", err)
		}
		defer term.Restore(int(f.Fd()), state) //nolint
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, stdout}, shellPrompt)
		reader, out = t, t
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("can't read statement: %w", err)
		}

		stmt := strings.TrimSuffix(strings.TrimSpace(line), ";")
		switch {
		case stmt == "":
			continue
		case stmt == ".quit" || stmt == ".exit" || strings.EqualFold(stmt, "quit") || strings.EqualFold(stmt, "exit"):
			return nil
		case stmt == ".tables":
			tables, err := sess.Tables(ctx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			for _, name := range tables {
				fmt.Fprintln(out, name)
			}
		case isQuery(stmt):
			if err := sess.WriteTSV(ctx, out, stmt, true); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		default:
			if err := sess.ExecWait(ctx, stmt); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			log.Printf("[DEBUG] executed %q", stmt)
		}
	}
}

// isQuery checks if the statement returns rows
func isQuery(stmt string) bool {
	word, _, _ := strings.Cut(strings.TrimSpace(stmt), " ")
	switch strings.ToUpper(word) {
	case "SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN":
		return true
	}
	return false
}
