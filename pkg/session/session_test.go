package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/tsvq/pkg/loader"
	"github.com/umputun/tsvq/pkg/vtable"
)

func TestSession_VirtualTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f1 := writeFile(t, dir, "a.tsv", "id\tname\tscore\n1\tA\t10\n")
	f2 := writeFile(t, dir, "b.tsv", "id\tname\tscore\n2\tB\t20\n")

	s := openTestSession(t, Params{})
	require.NoError(t, s.CreateVirtual(ctx, "scores", []string{f1, f2}, vtable.Options{Loader: loader.Options{Header: loader.HeaderEach}}))

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scores"}, tables)

	cols, err := s.ColumnNames(ctx, "scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "score"}, cols)

	res, err := s.FetchWithNames(ctx, "SELECT name, score FROM scores ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"name", "score"}, {"A", "10"}, {"B", "20"}}, res)

	res, err = s.Fetch(ctx, "SELECT count(*) FROM scores WHERE id = ?", "2")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}}, res)

	require.NoError(t, s.CreateVirtual(ctx, "scores", []string{f1}, vtable.Options{}), "replaced with other files")
	res, err = s.Fetch(ctx, "SELECT id FROM scores")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}}, res)

	require.NoError(t, s.Execute(ctx, "CREATE TABLE plain (v TEXT)"))
	err = s.CreateVirtual(ctx, "plain", []string{f1}, vtable.Options{})
	require.Error(t, err, "regular table is not replaced")
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, s.Drop(ctx, "plain"))

	require.NoError(t, s.Drop(ctx, "scores"))
	require.NoError(t, s.Drop(ctx, "scores"), "dropping missing table is fine")
	tables, err = s.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
	_, err = os.Stat(f1)
	assert.NoError(t, err)
}

func TestSession_FileDatabaseReopened(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "tsvq.db")
	fname := writeFile(t, dir, "a.tsv", "id\tname\n1\tA\n")
	module := "tsv_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	open := func() *Session {
		s, err := Open(ctx, Params{Conn: dbFile, Module: module})
		require.NoError(t, err)
		return s
	}

	s := open()
	require.NoError(t, s.CreateVirtual(ctx, "a", []string{fname}, vtable.Options{}))
	res, err := s.Fetch(ctx, "SELECT id, name FROM a")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "A"}}, res)
	require.NoError(t, s.Close())

	writeFile(t, dir, "a.tsv", "id\tname\n1\tA\n2\tB\n")
	s = open()
	require.NoError(t, s.CreateVirtual(ctx, "a", []string{fname}, vtable.Options{}), "same declaration reused")
	res, err = s.Fetch(ctx, "SELECT id, name FROM a ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "A"}, {"2", "B"}}, res, "files reloaded")
	require.NoError(t, s.Close())

	s = open()
	defer s.Close()
	opts := vtable.Options{Loader: loader.Options{Header: loader.HeaderEach}}
	require.NoError(t, s.CreateVirtual(ctx, "a", []string{fname, fname}, opts), "other declaration replaced")
	res, err = s.Fetch(ctx, "SELECT count(*) FROM a")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"4"}}, res)
	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tables)
}

func TestSession_CreateVirtualErrors(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t, Params{})

	err := s.CreateVirtual(ctx, "m", []string{filepath.Join(t.TempDir(), "missing.tsv")}, vtable.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't create virtual table m")
	assert.Contains(t, err.Error(), "missing.tsv")

	noModule, err := Open(ctx, Params{})
	require.NoError(t, err)
	defer noModule.Close()
	err = noModule.CreateVirtual(ctx, "m", []string{"a.tsv"}, vtable.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no module registered")
}

func TestSession_WriteTSV(t *testing.T) {
	ctx := context.Background()
	s := openTestSession(t, Params{})
	query := "SELECT 1 AS id, NULL AS name, 'x' AS val UNION ALL SELECT 2, 'b', NULL"

	tbl := []struct {
		name       string
		removeNull bool
		want       string
	}{
		{name: "nulls removed", removeNull: true, want: "id\tname\tval\n1\t\tx\n2\tb\t\n"},
		{name: "nulls kept", removeNull: false, want: "id\tname\tval\n1\tNULL\tx\n2\tb\tNULL\n"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Buffer{}
			require.NoError(t, s.WriteTSV(ctx, &buf, query, tt.removeNull))
			assert.Equal(t, tt.want, buf.String())
		})
	}

	t.Run("header only for empty result", func(t *testing.T) {
		buf := bytes.Buffer{}
		require.NoError(t, s.WriteTSV(ctx, &buf, "SELECT 1 AS a WHERE 0", true))
		assert.Equal(t, "a\n", buf.String())
	})

	t.Run("bad query", func(t *testing.T) {
		err := s.WriteTSV(ctx, &bytes.Buffer{}, "SELECT * FROM nope", true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such table")
	})
}

func TestSession_Attach(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestSession(t, Params{
		Conn:   filepath.Join(dir, "main.db"),
		Attach: []string{"ATTACH DATABASE '" + filepath.Join(dir, "aux.db") + "' AS aux"},
	})
	require.NoError(t, s.Execute(ctx, "CREATE TABLE aux.t (v TEXT)", "INSERT INTO aux.t VALUES ('a')"))
	res, err := s.Fetch(ctx, "SELECT v FROM aux.t")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}}, res)

	err = s.Execute(ctx, "INSERT INTO aux.t VALUES ('b')", "BAD SQL", "INSERT INTO aux.t VALUES ('c')")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `can't execute "BAD SQL"`)
	res, err = s.Fetch(ctx, "SELECT v FROM aux.t ORDER BY v")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, res, "stops on the first failed statement")

	_, err = Open(ctx, Params{Attach: []string{"ATTACH nothing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't attach")
}

func TestSession_Retry(t *testing.T) {
	ctx := context.Background()
	locked := errors.New("database is locked")

	tbl := []struct {
		name      string
		retry     Retry
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds after retries", retry: Retry{Attempts: 3, Match: []string{"locked"}}, failures: 2, err: locked,
			wantCalls: 3},
		{name: "attempts exhausted", retry: Retry{Attempts: 2, Match: []string{"locked"}}, failures: 5, err: locked,
			wantCalls: 3, wantErr: true},
		{name: "single attempt", retry: Retry{Attempts: 0, Match: []string{"locked"}}, failures: 5, err: locked,
			wantCalls: 1, wantErr: true},
		{name: "unlimited", retry: Retry{Attempts: -1, Match: []string{"locked"}}, failures: 10, err: locked,
			wantCalls: 11},
		{name: "not matched error", retry: Retry{Attempts: -1, Match: []string{"locked"}}, failures: 5,
			err: errors.New("syntax error"), wantCalls: 1, wantErr: true},
		{name: "nothing to match", retry: Retry{Attempts: -1}, failures: 5, err: locked, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{retry: tt.retry}
			calls := 0
			err := s.withRetry(ctx, func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.err, err, "last error returned")
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		s := &Session{retry: Retry{Attempts: -1, Wait: 10 * time.Millisecond, Match: []string{"locked"}}}
		st := time.Now()
		err := s.withRetry(cctx, func() error { return locked })
		require.Error(t, err)
		assert.Less(t, time.Since(st), time.Second)
	})
}

func openTestSession(t *testing.T, p Params) *Session {
	t.Helper()
	p.Module = "tsv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s, err := Open(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	fname := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(fname, []byte(content), 0o600))
	return fname
}
