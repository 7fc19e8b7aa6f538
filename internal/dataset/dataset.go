// Package dataset implements the indexed local replica of one database.
//
// A Dataset owns its records, a revision counter and an append-only history
// of applied deltas. The history backs the freshness check that turns
// concurrent remote writes into both_modified conflicts.
//
// INVARIANTS:
//   - Revision equals the last history entry's revision, or the construction
//     revision while the history is empty
//   - Records are unique by (collection_id, record_id)
//   - DryRun never mutates the live index or the revision
//   - A delta is applied whole or not at all
package dataset

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/roach88/recsync/internal/record"
)

// HistoryEntry records the keys altered by one applied delta.
type HistoryEntry struct {
	BaseRevision int64
	Revision     int64
	Altered      map[record.Key]struct{}
}

// Touches reports whether the entry altered key.
func (h HistoryEntry) Touches(key record.Key) bool {
	_, ok := h.Altered[key]
	return ok
}

// Dataset is the local replica of one database.
//
// Thread-safety: reads may run concurrently with each other; ApplyDeltas
// takes the write lock. Callers serialize writers (see database.Database).
type Dataset struct {
	mu       sync.RWMutex
	revision int64
	index    map[string]map[string]*record.Record
	history  []HistoryEntry
}

// New creates a dataset at revision holding records.
// Records are owned by the dataset after this call.
func New(revision int64, records []*record.Record) *Dataset {
	d := &Dataset{
		revision: revision,
		index:    make(map[string]map[string]*record.Record),
	}
	for _, r := range records {
		d.put(r)
	}
	return d
}

// Revision returns the current revision.
func (d *Dataset) Revision() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, col := range d.index {
		n += len(col)
	}
	return n
}

// Record returns a copy of the record, or nil if absent.
func (d *Dataset) Record(collectionID, recordID string) *record.Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r := d.get(record.Key{CollectionID: collectionID, RecordID: recordID}); r != nil {
		return r.Copy()
	}
	return nil
}

// Collections returns the collection ids in sorted order.
func (d *Dataset) Collections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.index))
	for id := range d.index {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// All yields copies of every record ordered by collection then record id.
// The iteration works on a point-in-time copy taken when iteration starts.
func (d *Dataset) All() iter.Seq[*record.Record] {
	return func(yield func(*record.Record) bool) {
		for _, r := range d.sortedCopies() {
			if !yield(r) {
				return
			}
		}
	}
}

func (d *Dataset) sortedCopies() []*record.Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedCopiesLocked()
}

func (d *Dataset) sortedCopiesLocked() []*record.Record {
	out := make([]*record.Record, 0)
	for _, col := range d.index {
		for _, r := range col {
			out = append(out, r.Copy())
		}
	}
	slices.SortFunc(out, func(a, b *record.Record) int {
		if a.CollectionID != b.CollectionID {
			if a.CollectionID < b.CollectionID {
				return -1
			}
			return 1
		}
		if a.RecordID < b.RecordID {
			return -1
		}
		if a.RecordID > b.RecordID {
			return 1
		}
		return 0
	})
	return out
}

// History returns a copy of the revision history.
func (d *Dataset) History() []HistoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.history)
}

// ApplyDeltas applies server deltas in order.
//
// Each delta's BaseRevision must equal the current revision; a mismatch is a
// hard consistency error (*RevisionMismatchError), never a conflict. A delta
// is applied as a unit: its changes are staged on a shadow of the index and
// committed only when all of them succeed. Deltas before the failing one
// stay applied.
func (d *Dataset) ApplyDeltas(deltas []record.Delta) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, delta := range deltas {
		if delta.BaseRevision != d.revision {
			return &RevisionMismatchError{Expected: d.revision, Got: delta.BaseRevision, DeltaRevision: delta.Revision}
		}
		if delta.Revision <= delta.BaseRevision {
			return &RevisionMismatchError{Expected: d.revision + 1, Got: delta.Revision, DeltaRevision: delta.Revision}
		}

		s := &shadow{d: d, overlay: make(map[record.Key]*record.Record, len(delta.Changes))}
		altered := make(map[record.Key]struct{}, len(delta.Changes))
		for i, op := range delta.Changes {
			if err := s.apply(op); err != nil {
				return fmt.Errorf("apply delta %d (change %d on %s): %w", delta.Revision, i, op.Key(), err)
			}
			altered[op.Key()] = struct{}{}
		}
		s.commit()

		d.history = append(d.history, HistoryEntry{
			BaseRevision: delta.BaseRevision,
			Revision:     delta.Revision,
			Altered:      altered,
		})
		d.revision = delta.Revision
	}
	return nil
}

// apply stages one server change on the shadow. The live index is untouched
// until commit.
func (s *shadow) apply(op record.Operation) error {
	key := op.Key()
	switch op.Type {
	case record.OpInsert, record.OpSet:
		s.overlay[key] = record.NewRecordFromOperation(op)
	case record.OpDelete:
		s.overlay[key] = nil
	case record.OpUpdate:
		current := s.get(key)
		if current == nil {
			return fmt.Errorf("update of missing record %s", key)
		}
		scratch := current.Copy()
		for _, fop := range op.FieldOperations {
			if err := scratch.ApplyFieldOperation(fop); err != nil {
				return err
			}
		}
		s.overlay[key] = scratch
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// commit writes the staged changes into the live index. Caller holds the
// write lock.
func (s *shadow) commit() {
	for key, r := range s.overlay {
		if r == nil {
			s.d.remove(key)
			continue
		}
		s.d.put(r)
	}
}

// IfModifiedSince reports whether the record was altered by a delta applied
// after revision. A revision older than the retained history is reported as
// modified since freshness cannot be proven.
func (d *Dataset) IfModifiedSince(collectionID, recordID string, revision int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modifiedSince(record.Key{CollectionID: collectionID, RecordID: recordID}, revision)
}

func (d *Dataset) modifiedSince(key record.Key, revision int64) bool {
	if revision >= d.revision {
		return false
	}
	start := d.historyIndex(revision)
	if start < 0 {
		return true
	}
	for _, h := range d.history[start:] {
		if h.Touches(key) {
			return true
		}
	}
	return false
}

// historyIndex returns the position of the entry whose base equals revision,
// or -1 when the history does not reach back that far.
func (d *Dataset) historyIndex(revision int64) int {
	for i, h := range d.history {
		if h.BaseRevision == revision {
			return i
		}
	}
	return -1
}

func (d *Dataset) get(key record.Key) *record.Record {
	col, ok := d.index[key.CollectionID]
	if !ok {
		return nil
	}
	return col[key.RecordID]
}

func (d *Dataset) put(r *record.Record) {
	col, ok := d.index[r.CollectionID]
	if !ok {
		col = make(map[string]*record.Record)
		d.index[r.CollectionID] = col
	}
	col[r.RecordID] = r
}

func (d *Dataset) remove(key record.Key) {
	col, ok := d.index[key.CollectionID]
	if !ok {
		return
	}
	delete(col, key.RecordID)
	if len(col) == 0 {
		delete(d.index, key.CollectionID)
	}
}

// RevisionMismatchError reports a delta that does not chain onto the
// current revision.
type RevisionMismatchError struct {
	Expected      int64
	Got           int64
	DeltaRevision int64
}

// Error implements the error interface.
func (e *RevisionMismatchError) Error() string {
	return fmt.Sprintf("revision mismatch: expected base %d, got %d (delta revision %d)", e.Expected, e.Got, e.DeltaRevision)
}
