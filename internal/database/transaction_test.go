package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/testutil"
)

func TestTransaction_BuilderOperations(t *testing.T) {
	srv := testutil.NewServer()
	db := openTestDB(t, srv, "tx")

	tx := db.CreateTransaction().
		InsertRecords("c", RecordData{RecordID: "r1", Fields: fields("b", 2, "a", 1)}).
		SetRecordFields("c", RecordData{RecordID: "r2", Fields: fields("x", "y")}).
		UpdateRecordFields("c", RecordData{RecordID: "r3", Fields: fields("z", true)}).
		DeleteRecordFields("c", "r3", "old").
		SetRecordFieldListItem("c", "r3", "l", 0, "s").
		InsertRecordFieldListItem("c", "r3", "l", 1, "i").
		DeleteRecordFieldListItem("c", "r3", "l", 2).
		MoveRecordFieldListItem("c", "r3", "l", 0, 1).
		DeleteRecords("c", "r4", "r5")

	require.NoError(t, tx.Err())
	assert.Equal(t, "tx-1", tx.DeltaID())
	assert.Equal(t, int64(0), tx.BaseRevision())

	ops := tx.Operations()
	require.Len(t, ops, 10)

	assert.Equal(t, record.OpInsert, ops[0].Type)
	require.Len(t, ops[0].FieldOperations, 2)
	assert.Equal(t, "a", ops[0].FieldOperations[0].FieldID, "fields are added in sorted order")
	assert.Equal(t, record.OpSet, ops[1].Type)
	assert.Equal(t, record.OpUpdate, ops[2].Type)
	assert.Equal(t, record.FieldSet, ops[2].FieldOperations[0].Type)
	assert.Equal(t, record.FieldDelete, ops[3].FieldOperations[0].Type)
	assert.Equal(t, record.FieldListItemSet, ops[4].FieldOperations[0].Type)
	assert.Equal(t, record.FieldListItemInsert, ops[5].FieldOperations[0].Type)
	assert.Equal(t, 1, ops[5].FieldOperations[0].Index)
	assert.Equal(t, record.FieldListItemDelete, ops[6].FieldOperations[0].Type)
	assert.Equal(t, record.FieldListItemMove, ops[7].FieldOperations[0].Type)
	assert.Equal(t, 1, ops[7].FieldOperations[0].NewIndex)
	assert.Equal(t, record.OpDelete, ops[8].Type)
	assert.Equal(t, "r5", ops[9].RecordID)

	for _, op := range ops {
		assert.NoError(t, op.Validate())
	}
}

func TestTransaction_ListOperationsApply(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(testRef, record.NewRecord("c", "r", map[string]*record.Value{
		"l": record.NewValue([]any{"a", "b", "c"}),
	}))
	db := openTestDB(t, srv, "tx")

	err := db.CreateTransaction().
		MoveRecordFieldListItem("c", "r", "l", 0, 2).
		InsertRecordFieldListItem("c", "r", "l", 3, "d").
		SetRecordFieldListItem("c", "r", "l", 0, "B").
		DeleteRecordFieldListItem("c", "r", "l", 1).
		Push(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"B", "a", "d"}, db.Record("c", "r").Fields["l"].Interface(false))
}

func TestTransaction_InvalidFieldChange(t *testing.T) {
	srv := testutil.NewServer()
	srv.Seed(testRef, record.NewRecord("c", "r", map[string]*record.Value{
		"l": record.NewValue([]any{"a"}),
		"s": record.NewValue("text"),
	}))
	db := openTestDB(t, srv, "tx")

	err := db.CreateTransaction().AddOperations(record.Operation{
		Type: record.OpUpdate, CollectionID: "c", RecordID: "r",
		FieldOperations: []record.FieldOperation{
			record.SetField("new", record.NewValue(1)),
			record.ListItemInsert("s", 0, record.NewValue("x")),
		},
	}).Push(context.Background(), nil)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, record.ConflictInvalidFieldChange, ce.Conflicts[0].Conflict.Type)
	require.Len(t, ce.Conflicts[0].Conflict.FieldChangeConflicts, 1)
	assert.Equal(t, record.ConflictModifyNotAListField, ce.Conflicts[0].Conflict.FieldChangeConflicts[0].Type)

	_, ok := db.Record("c", "r").Field("new")
	assert.False(t, ok, "no field of a conflicting update is applied")
}

func TestTransaction_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Transaction) *Transaction
	}{
		{"empty collection", func(tx *Transaction) *Transaction {
			return tx.InsertRecords("", RecordData{RecordID: "r"})
		}},
		{"empty record", func(tx *Transaction) *Transaction {
			return tx.DeleteRecords("c", "")
		}},
		{"empty field", func(tx *Transaction) *Transaction {
			return tx.UpdateRecordFields("c", RecordData{RecordID: "r", Fields: fields("", 1)})
		}},
		{"not NFC", func(tx *Transaction) *Transaction {
			return tx.InsertRecords("c", RecordData{RecordID: "e\u0301"})
		}},
		{"negative index", func(tx *Transaction) *Transaction {
			return tx.DeleteRecordFieldListItem("c", "r", "l", -1)
		}},
		{"negative destination", func(tx *Transaction) *Transaction {
			return tx.MoveRecordFieldListItem("c", "r", "l", 0, -2)
		}},
		{"malformed operation", func(tx *Transaction) *Transaction {
			return tx.AddOperations(record.Operation{Type: "upsert", CollectionID: "c", RecordID: "r"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewServer()
			db := openTestDB(t, srv, "tx")

			tx := tt.build(db.CreateTransaction()).InsertRecords("c", RecordData{RecordID: "ok"})
			err := tx.Push(context.Background(), nil)

			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.Equal(t, tx.Err(), err)
			assert.Empty(t, tx.Operations(), "calls after the first error are ignored")
			assert.Equal(t, 0, srv.Calls(testutil.MethodPostDeltas))
		})
	}
}

func TestTransaction_NFCIdentifierAccepted(t *testing.T) {
	srv := testutil.NewServer()
	db := openTestDB(t, srv, "tx")

	tx := db.CreateTransaction().InsertRecords("c", RecordData{RecordID: "\u00e9"})
	require.NoError(t, tx.Err())
	require.NoError(t, tx.Push(context.Background(), nil))
	assert.NotNil(t, db.Record("c", "\u00e9"))
}

func TestUUIDGenerator(t *testing.T) {
	gen := UUIDGenerator{}
	a, b := gen.NewDeltaID(), gen.NewDeltaID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "UUIDv7 ids sort by creation time")
}
