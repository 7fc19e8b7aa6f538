package dataset

import (
	"github.com/roach88/recsync/internal/record"
)

// DryRunResult is the outcome of a whole-transaction conflict check.
type DryRunResult struct {
	// Conflicts in operation order; Index is the position in the input.
	Conflicts []record.IndexedConflict

	// History is the slice of history entries applied after the
	// transaction's base revision.
	History []HistoryEntry
}

// OK reports whether no conflicts were found.
func (r DryRunResult) OK() bool {
	return len(r.Conflicts) == 0
}

// shadow overlays pending changes on the live index without copying it.
// A nil entry marks a record removed in the shadow.
type shadow struct {
	d       *Dataset
	overlay map[record.Key]*record.Record
}

func (s *shadow) get(key record.Key) *record.Record {
	if r, ok := s.overlay[key]; ok {
		return r
	}
	return s.d.get(key)
}

// DryRun computes the conflicts the operations would raise if submitted with
// the given base revision, without committing anything.
//
// Operations are evaluated in order against a shadow of the index, so later
// operations see the effects of earlier ones. Untouched records are
// referenced; a record is copied when first touched by an update.
func (d *Dataset) DryRun(revision int64, ops []record.Operation) DryRunResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := &shadow{d: d, overlay: make(map[record.Key]*record.Record)}
	var result DryRunResult

	for i, op := range ops {
		key := op.Key()
		conflict := func(t record.ConflictType, fields []record.FieldConflict) {
			result.Conflicts = append(result.Conflicts, record.IndexedConflict{
				Index: i,
				Conflict: record.Conflict{
					Type:                 t,
					Operation:            op,
					FieldChangeConflicts: fields,
				},
			})
		}

		if d.modifiedSince(key, revision) {
			conflict(record.ConflictBothModified, nil)
			continue
		}

		current := s.get(key)
		switch op.Type {
		case record.OpInsert:
			if current != nil {
				conflict(record.ConflictRecordAlreadyExists, nil)
				continue
			}
			s.overlay[key] = record.NewRecordFromOperation(op)

		case record.OpSet:
			s.overlay[key] = record.NewRecordFromOperation(op)

		case record.OpDelete:
			if current == nil {
				conflict(record.ConflictDeleteNonExistentRecord, nil)
				continue
			}
			s.overlay[key] = nil

		case record.OpUpdate:
			if current == nil {
				conflict(record.ConflictUpdateNonExistentRecord, nil)
				continue
			}
			scratch := current.Copy()
			var fieldConflicts []record.FieldConflict
			for j, fop := range op.FieldOperations {
				if c := scratch.DryRun(fop); c != "" {
					fieldConflicts = append(fieldConflicts, record.FieldConflict{Index: j, Type: c, Change: fop})
					continue
				}
				if err := scratch.ApplyFieldOperation(fop); err != nil {
					fieldConflicts = append(fieldConflicts, record.FieldConflict{Index: j, Type: record.ConflictUnknownType, Change: fop})
				}
			}
			if len(fieldConflicts) > 0 {
				conflict(record.ConflictInvalidFieldChange, fieldConflicts)
				continue
			}
			s.overlay[key] = scratch

		default:
			conflict(record.ConflictUnknownType, nil)
		}
	}

	if start := d.historyIndex(revision); start >= 0 {
		result.History = make([]HistoryEntry, len(d.history)-start)
		copy(result.History, d.history[start:])
	}
	return result
}
