package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/transport"
)

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestInitialize_StaticToken(t *testing.T) {
	c, err := New(Options{BaseURL: "http://example", Token: "t0"})
	require.NoError(t, err)

	assert.True(t, c.IsInitialized())
	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t0", token)
}

func TestInitialize_LazyAuthenticatorRunsOnce(t *testing.T) {
	calls := 0
	c, err := New(Options{
		BaseURL: "http://example",
		Authenticator: func(context.Context) (string, error) {
			calls++
			return fmt.Sprintf("t%d", calls), nil
		},
	})
	require.NoError(t, err)
	assert.False(t, c.IsInitialized())

	for range 3 {
		token, err := c.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "t1", token)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, c.IsInitialized())
}

func TestInitialize_Failures(t *testing.T) {
	c, err := New(Options{BaseURL: "http://example"})
	require.NoError(t, err)
	_, err = c.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	c, err = New(Options{
		BaseURL:       "http://example",
		Authenticator: func(context.Context) (string, error) { return "", errors.New("denied") },
	})
	require.NoError(t, err)
	_, err = c.Initialize(context.Background())
	assert.ErrorContains(t, err, "denied")
	assert.False(t, c.IsInitialized())
}

func TestHTTPTransportUsesLazyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "OAuth lazy", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"items":[{"database_id":"notes","revision":3}],"total":1}`)
	}))
	defer srv.Close()

	c, err := New(Options{
		BaseURL:       srv.URL,
		Authenticator: func(context.Context) (string, error) { return "lazy", nil },
	})
	require.NoError(t, err)

	dbs, err := c.ListDatabases(context.Background(), "app")
	require.NoError(t, err)
	require.Len(t, dbs, 1)
	assert.Equal(t, "notes", dbs[0].DatabaseID)
	assert.True(t, c.IsInitialized())
}

func TestOpenDatabase_ReusesInstance(t *testing.T) {
	srv := testutil.NewServer()
	c, err := New(Options{Transport: srv, Token: "t"})
	require.NoError(t, err)
	defer c.Close()

	a, err := c.OpenDatabase(context.Background(), "app", "notes")
	require.NoError(t, err)
	b, err := c.OpenDatabase(context.Background(), "app", "notes")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, srv.Calls(testutil.MethodPutDatabase))
}

func TestOpenDatabase_WatchKeepsReplicaCurrent(t *testing.T) {
	srv := testutil.NewServer()
	c, err := New(Options{
		Transport:    srv,
		Token:        "t",
		Watch:        true,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	db, err := c.OpenDatabase(context.Background(), "app", "notes")
	require.NoError(t, err)

	ref := transport.DatabaseRef{Context: "app", DatabaseID: "notes"}
	srv.Commit(ref, "remote", record.Operation{Type: record.OpInsert, CollectionID: "c", RecordID: "r1"})

	require.Eventually(t, func() bool { return db.Record("c", "r1") != nil }, 2*time.Second, 5*time.Millisecond)
}

func TestOpenDatabase_PushWatch(t *testing.T) {
	srv := testutil.NewServer()
	c, err := New(Options{Transport: srv, Dialer: srv, Token: "t", Watch: true})
	require.NoError(t, err)
	defer c.Close()

	db, err := c.OpenDatabase(context.Background(), "app", "notes")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.PushConns() == 1 }, 2*time.Second, 5*time.Millisecond)

	ref := transport.DatabaseRef{Context: "app", DatabaseID: "notes"}
	srv.Commit(ref, "remote", record.Operation{Type: record.OpInsert, CollectionID: "c", RecordID: "r1"})
	require.Eventually(t, func() bool { return db.Revision() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListAndDeleteDatabases(t *testing.T) {
	srv := testutil.NewServer()
	for i := range 150 {
		srv.Seed(transport.DatabaseRef{Context: "app", DatabaseID: fmt.Sprintf("db%03d", i)})
	}
	srv.Seed(transport.DatabaseRef{Context: "user", DatabaseID: "private"})

	c, err := New(Options{Transport: srv, Token: "t"})
	require.NoError(t, err)
	defer c.Close()

	dbs, err := c.ListDatabases(context.Background(), "app")
	require.NoError(t, err)
	assert.Len(t, dbs, 150)
	assert.Equal(t, 2, srv.Calls(testutil.MethodListDatabases))

	db, err := c.OpenDatabase(context.Background(), "app", "db000")
	require.NoError(t, err)
	require.NoError(t, c.DeleteDatabase(context.Background(), "app", "db000"))

	err = db.Update(context.Background())
	assert.Error(t, err, "deleted databases are closed")

	dbs, err = c.ListDatabases(context.Background(), "app")
	require.NoError(t, err)
	assert.Len(t, dbs, 149)
}
