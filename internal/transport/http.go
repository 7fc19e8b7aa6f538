package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/recsync/internal/record"
)

// DefaultTimeout bounds every HTTP request made by HTTPClient.
const DefaultTimeout = 30 * time.Second

// HTTPClient implements Transport over the REST API:
//
//	GET    {base}/v1/data/{context}/databases/?limit=&offset=
//	GET    {base}/v1/data/{context}/databases/{id}
//	PUT    {base}/v1/data/{context}/databases/{id}
//	DELETE {base}/v1/data/{context}/databases/{id}
//	GET    {base}/v1/data/{context}/databases/{id}/snapshot
//	GET    {base}/v1/data/{context}/databases/{id}/deltas?base_revision=&limit=
//	POST   {base}/v1/data/{context}/databases/{id}/deltas  (If-Match: base, ETag: new)
//	POST   {base}/v1/data/subscriptions
//
// Thread-safety: safe for concurrent use.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient creates an HTTP transport rooted at baseURL.
func NewHTTPClient(baseURL string, tokens TokenSource, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) databasesURL(dbContext string) string {
	return fmt.Sprintf("%s/v1/data/%s/databases", h.baseURL, url.PathEscape(dbContext))
}

func (h *HTTPClient) databaseURL(ref DatabaseRef) string {
	return fmt.Sprintf("%s/%s", h.databasesURL(ref.Context), url.PathEscape(ref.DatabaseID))
}

// ListDatabases implements Transport.
func (h *HTTPClient) ListDatabases(ctx context.Context, dbContext string, limit, offset int) (*DatabaseList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u := h.databasesURL(dbContext) + "/"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out DatabaseList
	if _, err := h.do(ctx, "list_databases", http.MethodGet, u, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDatabase implements Transport.
func (h *HTTPClient) GetDatabase(ctx context.Context, ref DatabaseRef) (*DatabaseInfo, error) {
	var out DatabaseInfo
	if _, err := h.do(ctx, "get_database", http.MethodGet, h.databaseURL(ref), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutDatabase implements Transport.
func (h *HTTPClient) PutDatabase(ctx context.Context, ref DatabaseRef) (*DatabaseInfo, error) {
	var out DatabaseInfo
	if _, err := h.do(ctx, "put_database", http.MethodPut, h.databaseURL(ref), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDatabase implements Transport.
func (h *HTTPClient) DeleteDatabase(ctx context.Context, ref DatabaseRef) error {
	_, err := h.do(ctx, "delete_database", http.MethodDelete, h.databaseURL(ref), nil, nil, nil)
	return err
}

// GetSnapshot implements Transport.
func (h *HTTPClient) GetSnapshot(ctx context.Context, ref DatabaseRef) (*Snapshot, error) {
	var out Snapshot
	if _, err := h.do(ctx, "get_snapshot", http.MethodGet, h.databaseURL(ref)+"/snapshot", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeltas implements Transport.
func (h *HTTPClient) GetDeltas(ctx context.Context, ref DatabaseRef, baseRevision int64, limit int) (*DeltaPage, error) {
	q := url.Values{}
	q.Set("base_revision", strconv.FormatInt(baseRevision, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out DeltaPage
	u := h.databaseURL(ref) + "/deltas?" + q.Encode()
	if _, err := h.do(ctx, "get_deltas", http.MethodGet, u, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type postDeltaBody struct {
	DeltaID string             `json:"delta_id"`
	Changes []record.Operation `json:"changes"`
}

// PostDeltas implements Transport.
func (h *HTTPClient) PostDeltas(ctx context.Context, ref DatabaseRef, baseRevision int64, delta record.Delta) (int64, error) {
	body, err := json.Marshal(postDeltaBody{DeltaID: delta.DeltaID, Changes: delta.Changes})
	if err != nil {
		return 0, fmt.Errorf("post_deltas: encode: %w", err)
	}
	header := http.Header{}
	header.Set("If-Match", strconv.FormatInt(baseRevision, 10))

	resp, err := h.do(ctx, "post_deltas", http.MethodPost, h.databaseURL(ref)+"/deltas", header, body, nil)
	if err != nil {
		return 0, err
	}
	etag := strings.Trim(resp.Get("ETag"), `"`)
	revision, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("post_deltas: invalid ETag %q: %w", etag, err)
	}
	return revision, nil
}

type subscribeBody struct {
	Databases []DatabaseRef `json:"databases"`
}

// Subscribe implements Transport.
func (h *HTTPClient) Subscribe(ctx context.Context, refs []DatabaseRef) (*Subscription, error) {
	body, err := json.Marshal(subscribeBody{Databases: refs})
	if err != nil {
		return nil, fmt.Errorf("subscribe: encode: %w", err)
	}
	var out Subscription
	if _, err := h.do(ctx, "subscribe", http.MethodPost, h.baseURL+"/v1/data/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

// do performs one request and decodes a JSON response into out (if non-nil).
// Returns the response headers on success.
func (h *HTTPClient) do(ctx context.Context, op, method, u string, header http.Header, body []byte, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if h.tokens != nil {
		token, err := h.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: token: %w", op, err)
		}
		req.Header.Set("Authorization", "OAuth "+token)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("request failed", "op", op, "method", method, "error", err)
		if IsTransient(err) {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w: %w", op, ErrTransient, err)
	}
	h.logger.Debug("request", "op", op, "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		msg := ""
		if json.Unmarshal(data, &eb) == nil {
			msg = eb.Description
			if msg == "" {
				msg = eb.Error
			}
		}
		return nil, NewStatusError(op, resp.StatusCode, msg)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", op, err)
		}
	}
	return resp.Header, nil
}
