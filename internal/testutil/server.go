package testutil

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/recsync/internal/dataset"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/transport"
)

// Server method names, used for fault injection, blocking and call counts.
const (
	MethodListDatabases  = "ListDatabases"
	MethodGetDatabase    = "GetDatabase"
	MethodPutDatabase    = "PutDatabase"
	MethodDeleteDatabase = "DeleteDatabase"
	MethodGetSnapshot    = "GetSnapshot"
	MethodGetDeltas      = "GetDeltas"
	MethodPostDeltas     = "PostDeltas"
	MethodSubscribe      = "Subscribe"
	MethodDial           = "Dial"
)

// Fault makes the next call of Method fail.
type Fault struct {
	Method string

	// Code is the HTTP status the call fails with.
	Code int

	// Err, when set, is returned instead of a status error.
	Err error

	// Commit applies the delta before failing. PostDeltas only; simulates a
	// write that reached the server although the client saw an error.
	Commit bool
}

// Server is an in-memory implementation of the sync server. It implements
// transport.Transport and transport.PushDialer.
//
// Each database keeps a delta log and a dataset; every accepted delta
// advances the revision by one.
//
// Thread-safety: All methods are safe for concurrent use.
type Server struct {
	mu         sync.Mutex
	dbs        map[transport.DatabaseRef]*serverDB
	nextHandle int
	faults     []Fault
	blocks     map[string]chan struct{}
	calls      []string
	subs       map[string][]transport.DatabaseRef
	conns      map[*pushConn]struct{}
}

type serverDB struct {
	handle string
	ds     *dataset.Dataset
	log    []record.Delta
	gone   bool
}

var (
	_ transport.Transport  = (*Server)(nil)
	_ transport.PushDialer = (*Server)(nil)
)

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		dbs:    make(map[transport.DatabaseRef]*serverDB),
		blocks: make(map[string]chan struct{}),
		subs:   make(map[string][]transport.DatabaseRef),
		conns:  make(map[*pushConn]struct{}),
	}
}

// Inject queues a fault. Faults for a method are consumed in order.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// Block makes calls of method wait until the returned release func is
// called. Calls are counted before they wait.
func (s *Server) Block(method string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blocks[method] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.blocks[method] == ch {
				delete(s.blocks, method)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many times method was called.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}

// CallLog returns every call in arrival order.
func (s *Server) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// enter records a call, waits on any block, and returns an injected fault.
func (s *Server) enter(ctx context.Context, method string) (*Fault, error) {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	block := s.blocks[method]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Method == method {
			s.faults = slices.Delete(s.faults, i, i+1)
			return &f, nil
		}
	}
	return nil, nil
}

func (f *Fault) err(op string) error {
	if f.Err != nil {
		return f.Err
	}
	return transport.NewStatusError(op, f.Code, "injected")
}

// Seed creates the database if needed and commits one insert per record.
func (s *Server) Seed(ref transport.DatabaseRef, records ...*record.Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.open(ref)
	var ops []record.Operation
	for _, r := range records {
		op := record.Operation{Type: record.OpInsert, CollectionID: r.CollectionID, RecordID: r.RecordID}
		for _, id := range r.FieldIDs() {
			op.FieldOperations = append(op.FieldOperations, record.SetField(id, r.Fields[id]))
		}
		ops = append(ops, op)
	}
	if len(ops) > 0 {
		s.commitLocked(ref, db, record.Delta{Changes: ops})
	}
	return db.ds.Revision()
}

// Commit appends a delta as another client would and returns the new
// revision. The database is created if needed.
func (s *Server) Commit(ref transport.DatabaseRef, deltaID string, ops ...record.Operation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.open(ref)
	return s.commitLocked(ref, db, record.Delta{DeltaID: deltaID, Changes: ops})
}

// Invalidate marks a database gone. Every later call on it fails with 410.
func (s *Server) Invalidate(ref transport.DatabaseRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[ref]; ok {
		db.gone = true
	}
}

// Revision returns a database's current revision, or -1 if it does not
// exist.
func (s *Server) Revision(ref transport.DatabaseRef) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[ref]
	if !ok {
		return -1
	}
	return db.ds.Revision()
}

// Records returns a copy of a database's records, sorted by key.
func (s *Server) Records(ref transport.DatabaseRef) []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[ref]
	if !ok {
		return nil
	}
	return db.ds.Snapshot().Records
}

func (s *Server) open(ref transport.DatabaseRef) *serverDB {
	db, ok := s.dbs[ref]
	if !ok {
		s.nextHandle++
		db = &serverDB{
			handle: fmt.Sprintf("handle-%d", s.nextHandle),
			ds:     dataset.New(0, nil),
		}
		s.dbs[ref] = db
	}
	return db
}

func (s *Server) lookup(op string, ref transport.DatabaseRef) (*serverDB, error) {
	db, ok := s.dbs[ref]
	if !ok {
		return nil, transport.NewStatusError(op, http.StatusNotFound, "database "+ref.Key()+" not found")
	}
	if db.gone {
		return nil, transport.NewStatusError(op, http.StatusGone, "database "+ref.Key()+" is gone")
	}
	return db, nil
}

func (s *Server) commitLocked(ref transport.DatabaseRef, db *serverDB, delta record.Delta) int64 {
	delta.BaseRevision = db.ds.Revision()
	delta.Revision = delta.BaseRevision + 1
	if err := db.ds.ApplyDeltas([]record.Delta{delta}); err != nil {
		panic(fmt.Sprintf("testutil: commit to %s: %v", ref.Key(), err))
	}
	db.log = append(db.log, delta)
	s.broadcastLocked(ref, delta.Revision)
	return delta.Revision
}

func (s *Server) info(db *serverDB) *transport.DatabaseInfo {
	return &transport.DatabaseInfo{
		Handle:       db.handle,
		Revision:     db.ds.Revision(),
		RecordsCount: int64(db.ds.Len()),
	}
}

// ListDatabases implements transport.Transport.
func (s *Server) ListDatabases(ctx context.Context, dbContext string, limit, offset int) (*transport.DatabaseList, error) {
	if f, err := s.enter(ctx, MethodListDatabases); err != nil || f != nil {
		return nil, faultOr(f, err, "list databases")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []transport.DatabaseInfo
	for ref, db := range s.dbs {
		if ref.Context != dbContext || db.gone {
			continue
		}
		info := s.info(db)
		info.DatabaseID = ref.DatabaseID
		items = append(items, *info)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DatabaseID < items[j].DatabaseID })

	total := len(items)
	if offset > total {
		offset = total
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return &transport.DatabaseList{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// GetDatabase implements transport.Transport.
func (s *Server) GetDatabase(ctx context.Context, ref transport.DatabaseRef) (*transport.DatabaseInfo, error) {
	if f, err := s.enter(ctx, MethodGetDatabase); err != nil || f != nil {
		return nil, faultOr(f, err, "get database")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.lookup("get database", ref)
	if err != nil {
		return nil, err
	}
	info := s.info(db)
	info.DatabaseID = ref.DatabaseID
	return info, nil
}

// PutDatabase implements transport.Transport.
func (s *Server) PutDatabase(ctx context.Context, ref transport.DatabaseRef) (*transport.DatabaseInfo, error) {
	if f, err := s.enter(ctx, MethodPutDatabase); err != nil || f != nil {
		return nil, faultOr(f, err, "put database")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.open(ref)
	if db.gone {
		return nil, transport.NewStatusError("put database", http.StatusGone, "database "+ref.Key()+" is gone")
	}
	info := s.info(db)
	info.DatabaseID = ref.DatabaseID
	return info, nil
}

// DeleteDatabase implements transport.Transport.
func (s *Server) DeleteDatabase(ctx context.Context, ref transport.DatabaseRef) error {
	if f, err := s.enter(ctx, MethodDeleteDatabase); err != nil || f != nil {
		return faultOr(f, err, "delete database")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup("delete database", ref); err != nil {
		return err
	}
	delete(s.dbs, ref)
	return nil
}

// GetSnapshot implements transport.Transport.
func (s *Server) GetSnapshot(ctx context.Context, ref transport.DatabaseRef) (*transport.Snapshot, error) {
	if f, err := s.enter(ctx, MethodGetSnapshot); err != nil || f != nil {
		return nil, faultOr(f, err, "get snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.lookup("get snapshot", ref)
	if err != nil {
		return nil, err
	}
	snap := db.ds.Snapshot()
	return &transport.Snapshot{Revision: snap.Revision, Records: transport.RecordList{Items: snap.Records}}, nil
}

// GetDeltas implements transport.Transport.
func (s *Server) GetDeltas(ctx context.Context, ref transport.DatabaseRef, baseRevision int64, limit int) (*transport.DeltaPage, error) {
	if f, err := s.enter(ctx, MethodGetDeltas); err != nil || f != nil {
		return nil, faultOr(f, err, "get deltas")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.lookup("get deltas", ref)
	if err != nil {
		return nil, err
	}

	page := &transport.DeltaPage{Revision: db.ds.Revision()}
	for _, d := range db.log {
		if d.BaseRevision < baseRevision {
			continue
		}
		if limit > 0 && len(page.Items) == limit {
			break
		}
		page.Items = append(page.Items, copyDelta(d))
	}
	return page, nil
}

// PostDeltas implements transport.Transport.
func (s *Server) PostDeltas(ctx context.Context, ref transport.DatabaseRef, baseRevision int64, delta record.Delta) (int64, error) {
	f, err := s.enter(ctx, MethodPostDeltas)
	if err != nil {
		return 0, err
	}
	if f != nil && !f.Commit {
		return 0, f.err("post deltas")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.lookup("post deltas", ref)
	if err != nil {
		return 0, err
	}
	if baseRevision != db.ds.Revision() {
		return 0, transport.NewStatusError("post deltas", http.StatusConflict,
			fmt.Sprintf("base revision %d, current %d", baseRevision, db.ds.Revision()))
	}
	if res := db.ds.DryRun(baseRevision, delta.Changes); !res.OK() {
		return 0, transport.NewStatusError("post deltas", http.StatusBadRequest, res.Conflicts[0].String())
	}

	rev := s.commitLocked(ref, db, copyDelta(delta))
	if f != nil {
		return 0, f.err("post deltas")
	}
	return rev, nil
}

// Subscribe implements transport.Transport.
func (s *Server) Subscribe(ctx context.Context, refs []transport.DatabaseRef) (*transport.Subscription, error) {
	if f, err := s.enter(ctx, MethodSubscribe); err != nil || f != nil {
		return nil, faultOr(f, err, "subscribe")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	href := fmt.Sprintf("mem://subscriptions/%d", len(s.subs)+1)
	s.subs[href] = slices.Clone(refs)
	return &transport.Subscription{Href: href}, nil
}

// Dial implements transport.PushDialer for hrefs returned by Subscribe.
func (s *Server) Dial(ctx context.Context, href string) (transport.PushConn, error) {
	if f, err := s.enter(ctx, MethodDial); err != nil || f != nil {
		return nil, faultOr(f, err, "dial")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.subs[href]
	if !ok {
		return nil, transport.NewStatusError("dial", http.StatusNotFound, "unknown subscription "+href)
	}
	conn := &pushConn{
		server:   s,
		refs:     refs,
		messages: make(chan transport.PushMessage, 64),
		done:     make(chan struct{}),
	}
	s.conns[conn] = struct{}{}
	return conn, nil
}

// PushConns returns the number of open push connections.
func (s *Server) PushConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// BreakPushConns fails every open push connection with err.
func (s *Server) BreakPushConns(err error) {
	s.mu.Lock()
	conns := make([]*pushConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.fail(err)
	}
}

func (s *Server) broadcastLocked(ref transport.DatabaseRef, revision int64) {
	msg := transport.PushMessage{
		Operation: transport.PushOperationDatabaseChanged,
		Message:   transport.PushPayload{Context: ref.Context, DatabaseID: ref.DatabaseID, Revision: revision},
	}
	for c := range s.conns {
		if !slices.Contains(c.refs, ref) {
			continue
		}
		select {
		case c.messages <- msg:
		default:
		}
	}
}

func faultOr(f *Fault, err error, op string) error {
	if err != nil {
		return err
	}
	return f.err(op)
}

func copyDelta(d record.Delta) record.Delta {
	out := d
	out.Changes = make([]record.Operation, len(d.Changes))
	for i, op := range d.Changes {
		out.Changes[i] = op
		out.Changes[i].FieldOperations = make([]record.FieldOperation, len(op.FieldOperations))
		for j, fop := range op.FieldOperations {
			if fop.Value != nil {
				fop.Value = fop.Value.Copy()
			}
			out.Changes[i].FieldOperations[j] = fop
		}
	}
	return out
}

// pushConn is an in-memory transport.PushConn.
type pushConn struct {
	server   *Server
	refs     []transport.DatabaseRef
	messages chan transport.PushMessage

	once sync.Once
	done chan struct{}
	err  error
}

func (c *pushConn) Read() (transport.PushMessage, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		return transport.PushMessage{}, c.err
	}
}

func (c *pushConn) Close() error {
	c.fail(fmt.Errorf("push connection closed"))
	return nil
}

func (c *pushConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		close(c.done)
	})
}
