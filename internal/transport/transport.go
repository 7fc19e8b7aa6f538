// Package transport defines the server-facing collaborators of the sync
// client: the request/response transport and the push channel.
//
// Implementations map HTTP status codes to *StatusError, which unwraps to
// one of the kind sentinels (ErrConflict, ErrGone, ...). Callers test kinds
// with errors.Is.
package transport

import (
	"context"
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// DatabaseRef names a database within a context ("app" or "user").
type DatabaseRef struct {
	Context    string `json:"context"`
	DatabaseID string `json:"database_id"`
}

// Key returns a stable string key for the database.
func (r DatabaseRef) Key() string {
	return fmt.Sprintf("%s/%s", r.Context, r.DatabaseID)
}

// DatabaseInfo describes a remote database.
type DatabaseInfo struct {
	DatabaseID   string `json:"database_id"`
	Handle       string `json:"handle"`
	Revision     int64  `json:"revision"`
	RecordsCount int64  `json:"records_count"`
	Size         int64  `json:"size"`
}

// DatabaseList is one page of databases.
type DatabaseList struct {
	Items  []DatabaseInfo `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// RecordList wraps snapshot records.
type RecordList struct {
	Items []*record.Record `json:"items"`
}

// Snapshot is a full copy of a database at a revision.
type Snapshot struct {
	Revision int64      `json:"revision"`
	Records  RecordList `json:"records"`
}

// DeltaPage is one page of deltas strictly after a base revision. Revision
// is the server's current revision; more pages exist while the last item's
// revision trails it.
type DeltaPage struct {
	Revision int64          `json:"revision"`
	Items    []record.Delta `json:"items"`
}

// Subscription is a handle to a push channel.
type Subscription struct {
	Href string `json:"href"`
}

// Transport turns sync calls into server requests.
type Transport interface {
	// ListDatabases returns one page of databases in a context.
	ListDatabases(ctx context.Context, dbContext string, limit, offset int) (*DatabaseList, error)

	// GetDatabase returns a database's current state, including its
	// authoritative revision.
	GetDatabase(ctx context.Context, ref DatabaseRef) (*DatabaseInfo, error)

	// PutDatabase creates or opens a database. Idempotent.
	PutDatabase(ctx context.Context, ref DatabaseRef) (*DatabaseInfo, error)

	// DeleteDatabase removes a database.
	DeleteDatabase(ctx context.Context, ref DatabaseRef) error

	// GetSnapshot returns the full record set at the current revision.
	GetSnapshot(ctx context.Context, ref DatabaseRef) (*Snapshot, error)

	// GetDeltas returns up to limit deltas strictly after baseRevision.
	GetDeltas(ctx context.Context, ref DatabaseRef, baseRevision int64, limit int) (*DeltaPage, error)

	// PostDeltas appends a delta if the server is still at baseRevision
	// (If-Match semantics) and returns the new revision.
	PostDeltas(ctx context.Context, ref DatabaseRef, baseRevision int64, delta record.Delta) (int64, error)

	// Subscribe opens a push subscription covering all refs.
	Subscribe(ctx context.Context, refs []DatabaseRef) (*Subscription, error)
}

// TokenSource supplies the bearer token for requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PushOperationDatabaseChanged is the push operation announcing a new
// revision of a database.
const PushOperationDatabaseChanged = "database_changed"

// PushPayload identifies the database a push message is about.
type PushPayload struct {
	Context    string `json:"context"`
	DatabaseID string `json:"database_id"`
	Revision   int64  `json:"revision"`
}

// Ref returns the database the payload refers to.
func (p PushPayload) Ref() DatabaseRef {
	return DatabaseRef{Context: p.Context, DatabaseID: p.DatabaseID}
}

// PushMessage is one inbound push notification.
type PushMessage struct {
	Operation string      `json:"operation"`
	Message   PushPayload `json:"message"`
}

// PushConn is an open push channel. Read blocks until a message arrives or
// the channel fails; Close unblocks a pending Read.
type PushConn interface {
	Read() (PushMessage, error)
	Close() error
}

// PushDialer opens push channels from subscription handles.
type PushDialer interface {
	Dial(ctx context.Context, href string) (PushConn, error)
}
