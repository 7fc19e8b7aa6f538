package database

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/recsync/internal/politics"
	"github.com/roach88/recsync/internal/record"
)

// RecordData is the input for record-level builder calls.
type RecordData struct {
	RecordID string
	// Fields maps field ids to values. Values are converted with
	// record.NewValue; *record.Value is used as is.
	Fields map[string]any
}

// Transaction accumulates operations against one Database and submits them
// as a single delta.
//
// Builder methods return the transaction for chaining. The first invalid
// call is remembered and returned by Push as a *ValidationError; later
// calls are ignored. A transaction is not safe for concurrent use.
//
// A failed push may be retried by calling Push again: the delta id stays
// the same, which lets the database recognize a write whose outcome was
// lost. After a successful push the transaction is spent.
type Transaction struct {
	db           *Database
	deltaID      string
	baseRevision int64
	ops          []record.Operation
	err          error
	pushed       bool
}

// DeltaID returns the idempotency key of the transaction.
func (tx *Transaction) DeltaID() string {
	return tx.deltaID
}

// BaseRevision returns the revision the transaction was created at.
func (tx *Transaction) BaseRevision() int64 {
	return tx.baseRevision
}

// Operations returns a copy of the accumulated operations.
func (tx *Transaction) Operations() []record.Operation {
	return slices.Clone(tx.ops)
}

// Err returns the first builder error, if any.
func (tx *Transaction) Err() error {
	return tx.err
}

// InsertRecords adds one insert per record. Inserting an existing record
// conflicts.
func (tx *Transaction) InsertRecords(collectionID string, records ...RecordData) *Transaction {
	return tx.addRecords("InsertRecords", record.OpInsert, collectionID, records)
}

// SetRecordFields replaces each record wholesale, creating it if needed.
func (tx *Transaction) SetRecordFields(collectionID string, records ...RecordData) *Transaction {
	return tx.addRecords("SetRecordFields", record.OpSet, collectionID, records)
}

// UpdateRecordFields sets the given fields on existing records, leaving
// other fields untouched.
func (tx *Transaction) UpdateRecordFields(collectionID string, records ...RecordData) *Transaction {
	return tx.addRecords("UpdateRecordFields", record.OpUpdate, collectionID, records)
}

// DeleteRecords deletes records by id.
func (tx *Transaction) DeleteRecords(collectionID string, recordIDs ...string) *Transaction {
	const op = "DeleteRecords"
	for _, id := range recordIDs {
		if !tx.checkIDs(op, collectionID, id) {
			return tx
		}
		tx.ops = append(tx.ops, record.Operation{Type: record.OpDelete, CollectionID: collectionID, RecordID: id})
	}
	return tx
}

// DeleteRecordFields removes fields from an existing record.
func (tx *Transaction) DeleteRecordFields(collectionID, recordID string, fieldIDs ...string) *Transaction {
	const op = "DeleteRecordFields"
	if !tx.checkIDs(op, collectionID, recordID) {
		return tx
	}
	fops := make([]record.FieldOperation, 0, len(fieldIDs))
	for _, f := range fieldIDs {
		if !tx.checkIDs(op, f) {
			return tx
		}
		fops = append(fops, record.DeleteField(f))
	}
	return tx.update(collectionID, recordID, fops...)
}

// SetRecordFieldListItem replaces the list item at index.
func (tx *Transaction) SetRecordFieldListItem(collectionID, recordID, fieldID string, index int, value any) *Transaction {
	if !tx.checkListOp("SetRecordFieldListItem", collectionID, recordID, fieldID, index) {
		return tx
	}
	return tx.update(collectionID, recordID, record.ListItemSet(fieldID, index, record.NewValue(value)))
}

// InsertRecordFieldListItem inserts value before index; index may equal
// the list length to append.
func (tx *Transaction) InsertRecordFieldListItem(collectionID, recordID, fieldID string, index int, value any) *Transaction {
	if !tx.checkListOp("InsertRecordFieldListItem", collectionID, recordID, fieldID, index) {
		return tx
	}
	return tx.update(collectionID, recordID, record.ListItemInsert(fieldID, index, record.NewValue(value)))
}

// DeleteRecordFieldListItem removes the list item at index.
func (tx *Transaction) DeleteRecordFieldListItem(collectionID, recordID, fieldID string, index int) *Transaction {
	if !tx.checkListOp("DeleteRecordFieldListItem", collectionID, recordID, fieldID, index) {
		return tx
	}
	return tx.update(collectionID, recordID, record.ListItemDelete(fieldID, index))
}

// MoveRecordFieldListItem moves the list item at index to newIndex.
func (tx *Transaction) MoveRecordFieldListItem(collectionID, recordID, fieldID string, index, newIndex int) *Transaction {
	const op = "MoveRecordFieldListItem"
	if !tx.checkListOp(op, collectionID, recordID, fieldID, index) || !tx.checkIndex(op, newIndex) {
		return tx
	}
	return tx.update(collectionID, recordID, record.ListItemMove(fieldID, index, newIndex))
}

// AddOperations appends prebuilt operations after validating them.
func (tx *Transaction) AddOperations(ops ...record.Operation) *Transaction {
	const name = "AddOperations"
	for _, op := range ops {
		if tx.err != nil {
			return tx
		}
		if err := op.Validate(); err != nil {
			tx.fail(name, err.Error())
			return tx
		}
		if !tx.checkIDs(name, op.CollectionID, op.RecordID) {
			return tx
		}
		for _, fop := range op.FieldOperations {
			if !tx.checkIDs(name, fop.FieldID) {
				return tx
			}
		}
		tx.ops = append(tx.ops, op)
	}
	return tx
}

// Push submits the transaction. A nil policy leaves conflicts unresolved;
// otherwise the policy may drop conflicting operations before the final
// dry run. Conflicts that remain fail with *ConflictError.
func (tx *Transaction) Push(ctx context.Context, policy politics.Policy) error {
	if tx.err != nil {
		return tx.err
	}
	if tx.pushed {
		return &ValidationError{Op: "Push", Message: fmt.Sprintf("transaction %s already pushed", tx.deltaID)}
	}
	if err := tx.db.push(ctx, tx, policy); err != nil {
		return err
	}
	tx.pushed = true
	return nil
}

func (tx *Transaction) addRecords(name string, typ record.OperationType, collectionID string, records []RecordData) *Transaction {
	for _, rd := range records {
		if !tx.checkIDs(name, collectionID, rd.RecordID) {
			return tx
		}
		fieldIDs := make([]string, 0, len(rd.Fields))
		for f := range rd.Fields {
			fieldIDs = append(fieldIDs, f)
		}
		slices.Sort(fieldIDs)

		op := record.Operation{Type: typ, CollectionID: collectionID, RecordID: rd.RecordID}
		for _, f := range fieldIDs {
			if !tx.checkIDs(name, f) {
				return tx
			}
			op.FieldOperations = append(op.FieldOperations, record.SetField(f, record.NewValue(rd.Fields[f])))
		}
		tx.ops = append(tx.ops, op)
	}
	return tx
}

func (tx *Transaction) update(collectionID, recordID string, fops ...record.FieldOperation) *Transaction {
	if tx.err != nil {
		return tx
	}
	tx.ops = append(tx.ops, record.Operation{
		Type:            record.OpUpdate,
		CollectionID:    collectionID,
		RecordID:        recordID,
		FieldOperations: fops,
	})
	return tx
}

func (tx *Transaction) checkListOp(name, collectionID, recordID, fieldID string, index int) bool {
	return tx.checkIDs(name, collectionID, recordID, fieldID) && tx.checkIndex(name, index)
}

// checkIDs requires non-empty, NFC-normalized identifiers.
func (tx *Transaction) checkIDs(name string, ids ...string) bool {
	if tx.err != nil {
		return false
	}
	for _, id := range ids {
		if id == "" {
			tx.fail(name, "identifiers must not be empty")
			return false
		}
		if !norm.NFC.IsNormalString(id) {
			tx.fail(name, fmt.Sprintf("identifier %q is not NFC-normalized", id))
			return false
		}
	}
	return true
}

func (tx *Transaction) checkIndex(name string, index int) bool {
	if tx.err != nil {
		return false
	}
	if index < 0 {
		tx.fail(name, fmt.Sprintf("list index %d is negative", index))
		return false
	}
	return true
}

func (tx *Transaction) fail(name, msg string) {
	if tx.err == nil {
		tx.err = &ValidationError{Op: name, Message: msg}
	}
}
