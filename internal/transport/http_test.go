package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

var testRef = DatabaseRef{Context: "app", DatabaseID: "notes"}

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, staticToken("secret"))
}

func TestHTTPClient_PutDatabase(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/data/app/databases/notes", r.URL.Path)
		assert.Equal(t, "OAuth secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"database_id":"notes","handle":"h1","revision":4}`)
	})

	info, err := c.PutDatabase(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, "h1", info.Handle)
	assert.Equal(t, int64(4), info.Revision)
}

func TestHTTPClient_GetDeltas(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/app/databases/notes/deltas", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("base_revision"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"revision":5,"items":[
			{"base_revision":3,"revision":4,"changes":[{"change_type":"delete","collection_id":"c","record_id":"r"}]},
			{"base_revision":4,"revision":5,"changes":[]}
		]}`)
	})

	page, err := c.GetDeltas(context.Background(), testRef, 3, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Revision)
	require.Len(t, page.Items, 2)
	assert.Equal(t, record.OpDelete, page.Items[0].Changes[0].Type)
}

func TestHTTPClient_GetSnapshot(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/app/databases/notes/snapshot", r.URL.Path)
		_, _ = io.WriteString(w, `{"revision":2,"records":{"items":[
			{"collection_id":"c","record_id":"r","fields":[{"field_id":"f","value":{"type":"string","string":"v"}}]}
		]}}`)
	})

	snap, err := c.GetSnapshot(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
	require.Len(t, snap.Records.Items, 1)
	assert.Equal(t, "v", snap.Records.Items[0].Fields["f"].Interface(false))
}

func TestHTTPClient_PostDeltas(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "7", r.Header.Get("If-Match"))

		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `"d-1"`, string(body["delta_id"]))
		assert.JSONEq(t, `[{"change_type":"delete","collection_id":"c","record_id":"r"}]`, string(body["changes"]))

		w.Header().Set("ETag", `"8"`)
		w.WriteHeader(http.StatusCreated)
	})

	rev, err := c.PostDeltas(context.Background(), testRef, 7, record.Delta{
		DeltaID: "d-1",
		Changes: []record.Operation{{Type: record.OpDelete, CollectionID: "c", RecordID: "r"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), rev)
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		code int
		kind error
	}{
		{http.StatusBadRequest, ErrMalformed},
		{http.StatusUnauthorized, ErrUnauthenticated},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusGone, ErrGone},
		{http.StatusLocked, ErrRateLimited},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, `{"error":"E","description":"details"}`)
			})

			_, err := c.GetDatabase(context.Background(), testRef)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Equal(t, tt.code, StatusOf(err))
			assert.True(t, strings.Contains(err.Error(), "details"))
			assert.Equal(t, tt.kind == ErrTransient, IsTransient(err))
		})
	}
}

func TestHTTPClient_Subscribe(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/subscriptions", r.URL.Path)
		var body subscribeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []DatabaseRef{testRef}, body.Databases)
		_, _ = io.WriteString(w, `{"href":"wss://push.example/abc"}`)
	})

	sub, err := c.Subscribe(context.Background(), []DatabaseRef{testRef})
	require.NoError(t, err)
	assert.Equal(t, "wss://push.example/abc", sub.Href)
}

func TestIsTransient_Deadline(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(NewStatusError("x", http.StatusConflict, "")))
}
