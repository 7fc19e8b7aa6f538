package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/cache"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/transport"
)

var notes = transport.DatabaseRef{Context: "app", DatabaseID: "notes"}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testRootOptions(t *testing.T, srv *testutil.Server, format string) *RootOptions {
	t.Helper()
	return &RootOptions{
		Format:     format,
		ConfigPath: writeConfig(t, "cache:\n  enabled: false\npush: false\n"),
		Transport:  srv,
	}
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func note(id, title string) *record.Record {
	return record.NewRecord("todo", id, map[string]*record.Value{"title": record.NewValue(title)})
}

func findRecord(records []*record.Record, id string) *record.Record {
	for _, r := range records {
		if r.RecordID == id {
			return r
		}
	}
	return nil
}

func TestDatabasesCommand(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))
	srv.Seed(transport.DatabaseRef{Context: "app", DatabaseID: "tasks"})
	srv.Seed(transport.DatabaseRef{Context: "user", DatabaseID: "private"})

	output, err := execute(NewDatabasesCommand(testRootOptions(t, srv, "text")))
	require.NoError(t, err)
	assert.Contains(t, output, "notes\trevision=1\trecords=1")
	assert.Contains(t, output, "tasks\trevision=0")
	assert.NotContains(t, output, "private")
}

func TestDatabasesCommand_JSON(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes)

	output, err := execute(NewDatabasesCommand(testRootOptions(t, srv, "json")))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestDatabasesCommand_Empty(t *testing.T) {
	output, err := execute(NewDatabasesCommand(testRootOptions(t, testutil.NewServer(), "text")))
	require.NoError(t, err)
	assert.Contains(t, output, `No databases in context "app"`)
}

func TestRecordsCommand(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t2", "eggs"), note("t1", "milk"),
		record.NewRecord("tags", "x", map[string]*record.Value{"name": record.NewValue("home")}))

	output, err := execute(NewRecordsCommand(testRootOptions(t, srv, "text")), "notes")
	require.NoError(t, err)
	assert.Contains(t, output, "notes at revision 1: 3 records")
	assert.Contains(t, output, "todo/t1\n  title = string(milk)")
	assert.Less(t, bytes.Index([]byte(output), []byte("todo/t1")), bytes.Index([]byte(output), []byte("todo/t2")))

	output, err = execute(NewRecordsCommand(testRootOptions(t, srv, "text")), "notes", "--collection", "tags")
	require.NoError(t, err)
	assert.Contains(t, output, "1 records")
	assert.Contains(t, output, "tags/x")
}

func TestRecordsCommand_JSON(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	output, err := execute(NewRecordsCommand(testRootOptions(t, srv, "json")), "notes")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, int64(1), resp.Revision)
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestSetCommand_Insert(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes)

	output, err := execute(NewSetCommand(testRootOptions(t, srv, "text")),
		"notes", "todo", "t1", "title=milk", "count=3", "--mode", "insert")
	require.NoError(t, err)
	assert.Contains(t, output, "revision 1")

	r := findRecord(srv.Records(notes), "t1")
	require.NotNil(t, r)
	assert.Equal(t, "milk", r.Fields["title"].Interface(false))
	assert.Equal(t, record.TypeDouble, r.Fields["count"].Type())
}

func TestSetCommand_Update(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	_, err := execute(NewSetCommand(testRootOptions(t, srv, "text")), "notes", "todo", "t1", "done=true")
	require.NoError(t, err)

	r := findRecord(srv.Records(notes), "t1")
	require.NotNil(t, r)
	assert.Equal(t, "milk", r.Fields["title"].Interface(false), "update keeps other fields")
	assert.Equal(t, true, r.Fields["done"].Interface(false))
}

func TestSetCommand_ConflictJSON(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	output, err := execute(NewSetCommand(testRootOptions(t, srv, "json")),
		"notes", "todo", "t1", "title=eggs", "--mode", "insert")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Zero(t, srv.Calls(testutil.MethodPostDeltas), "conflicts are caught before posting")

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConflict, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, string(record.ConflictRecordAlreadyExists))
}

func TestSetCommand_PoliticsTheirs(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	_, err := execute(NewSetCommand(testRootOptions(t, srv, "text")),
		"notes", "todo", "t1", "title=eggs", "--mode", "insert", "--politics", "theirs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Revision(notes))
	assert.Equal(t, "milk", findRecord(srv.Records(notes), "t1").Fields["title"].Interface(false))
}

func TestSetCommand_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing equals", []string{"notes", "todo", "t1", "title"}},
		{"empty field id", []string{"notes", "todo", "t1", "=milk"}},
		{"unknown mode", []string{"notes", "todo", "t1", "title=milk", "--mode", "upsert"}},
		{"unknown politics", []string{"notes", "todo", "t1", "title=milk", "--politics", "mine"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewServer()
			_, err := execute(NewSetCommand(testRootOptions(t, srv, "text")), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Zero(t, srv.Calls(testutil.MethodPostDeltas))
		})
	}
}

func TestSetCommand_ValidationError(t *testing.T) {
	srv := testutil.NewServer()

	_, err := execute(NewSetCommand(testRootOptions(t, srv, "text")), "notes", "", "t1", "title=milk")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, []any{float64(1), "a"}, parseValue(`[1,"a"]`))
	assert.Equal(t, "milk", parseValue("milk"))
	assert.Equal(t, `{"a":1}`, parseValue(`{"a":1}`))
	assert.Nil(t, parseValue("null"))
}

func TestDeleteCommand(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"), note("t2", "eggs"))

	_, err := execute(NewDeleteCommand(testRootOptions(t, srv, "text")), "notes", "todo", "t1")
	require.NoError(t, err)

	records := srv.Records(notes)
	assert.Nil(t, findRecord(records, "t1"))
	assert.NotNil(t, findRecord(records, "t2"))
}

func TestDeleteCommand_Fields(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, record.NewRecord("todo", "t1", map[string]*record.Value{
		"title": record.NewValue("milk"),
		"done":  record.NewValue(false),
	}))

	_, err := execute(NewDeleteCommand(testRootOptions(t, srv, "text")), "notes", "todo", "t1", "--fields", "done")
	require.NoError(t, err)

	r := findRecord(srv.Records(notes), "t1")
	require.NotNil(t, r)
	assert.Equal(t, []string{"title"}, r.FieldIDs())
}

func TestDeleteCommand_SkipMissing(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	_, err := execute(NewDeleteCommand(testRootOptions(t, srv, "text")), "notes", "todo", "t1", "ghost")
	require.Error(t, err)
	assert.Equal(t, CodeConflict, ErrorCode(err))

	_, err = execute(NewDeleteCommand(testRootOptions(t, srv, "text")),
		"notes", "todo", "t1", "ghost", "--politics", "skip_missing")
	require.NoError(t, err)
	assert.Nil(t, findRecord(srv.Records(notes), "t1"))
}

func TestDropCommand(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	output, err := execute(NewDropCommand(testRootOptions(t, srv, "text")), "notes")
	require.NoError(t, err)
	assert.Contains(t, output, "Dropped notes")
	assert.Equal(t, int64(-1), srv.Revision(notes))
}

func TestCommand_TransportError(t *testing.T) {
	srv := testutil.NewServer()
	srv.Inject(testutil.Fault{Method: testutil.MethodListDatabases, Code: 503})

	output, err := execute(NewDatabasesCommand(testRootOptions(t, srv, "json")))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTransport, resp.Error.Code)
}

func TestCommand_InvalidConfig(t *testing.T) {
	opts := &RootOptions{
		Format:     "json",
		ConfigPath: writeConfig(t, "page_size: 0\n"),
		Transport:  testutil.NewServer(),
	}

	output, err := execute(NewDatabasesCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
}

func TestCommand_MissingBaseURL(t *testing.T) {
	opts := &RootOptions{
		Format:     "text",
		ConfigPath: writeConfig(t, "cache:\n  enabled: false\n"),
	}

	_, err := execute(NewDatabasesCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "base URL")
}

func TestWatchCommand(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	opts := &RootOptions{
		Format:     "text",
		ConfigPath: writeConfig(t, "cache:\n  enabled: false\npush: true\nwatch: true\n"),
		Transport:  srv,
		Dialer:     srv,
	}
	cmd := NewWatchCommand(opts)
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"notes"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	require.Eventually(t, func() bool { return srv.PushConns() > 0 }, 2*time.Second, 5*time.Millisecond)
	srv.Commit(notes, "other-1", record.Operation{
		Type:         record.OpInsert,
		CollectionID: "todo",
		RecordID:     "t2",
	})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("notes: revision 1 -> 2 (1 deltas)"))
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestCacheCommands(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	cachePath := filepath.Join(t.TempDir(), "cache.db")
	opts := &RootOptions{
		Format:     "text",
		ConfigPath: writeConfig(t, "push: false\ncache:\n  enabled: true\n  path: "+cachePath+"\n"),
		Transport:  srv,
	}

	// Populate the cache.
	_, err := execute(NewRecordsCommand(opts), "notes")
	require.NoError(t, err)

	output, err := execute(NewCacheCommand(opts), "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, output, "Removed 0 snapshots")

	output, err = execute(NewCacheCommand(opts), "clear")
	require.NoError(t, err)
	assert.Contains(t, output, "Cache cleared")

	sq, err := cache.OpenSQLite(cachePath)
	require.NoError(t, err)
	defer sq.Close()
	n, err := sq.Evict(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "clear leaves nothing to evict")
}

func TestCachePrune_RemovesOld(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(notes, note("t1", "milk"))

	cachePath := filepath.Join(t.TempDir(), "cache.db")
	opts := &RootOptions{
		Format:     "json",
		ConfigPath: writeConfig(t, "push: false\ncache:\n  enabled: true\n  path: "+cachePath+"\n"),
		Transport:  srv,
	}
	_, err := execute(NewRecordsCommand(opts), "notes")
	require.NoError(t, err)

	sq, err := cache.OpenSQLite(cachePath)
	require.NoError(t, err)
	n, err := sq.Evict(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, sq.Close())
	assert.Equal(t, int64(1), n, "records command saved one snapshot")
}

func TestCachePrune_NegativeAge(t *testing.T) {
	opts := &RootOptions{Format: "text", ConfigPath: writeConfig(t, "")}

	_, err := execute(NewCacheCommand(opts), "prune", "--older-than", "-1h")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
