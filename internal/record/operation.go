package record

import (
	"encoding/json"
	"fmt"
)

// FieldOperationType identifies a field-level change.
type FieldOperationType string

const (
	FieldSet            FieldOperationType = "set"
	FieldDelete         FieldOperationType = "delete"
	FieldListItemSet    FieldOperationType = "list_item_set"
	FieldListItemInsert FieldOperationType = "list_item_insert"
	FieldListItemDelete FieldOperationType = "list_item_delete"
	FieldListItemMove   FieldOperationType = "list_item_move"
)

// IsListOperation reports whether t addresses a list item.
func (t FieldOperationType) IsListOperation() bool {
	switch t {
	case FieldListItemSet, FieldListItemInsert, FieldListItemDelete, FieldListItemMove:
		return true
	}
	return false
}

// FieldOperation is a single change to one field of a record.
// Treat as immutable once constructed.
type FieldOperation struct {
	Type     FieldOperationType
	FieldID  string
	Value    *Value // set, list_item_set, list_item_insert
	Index    int    // list operations
	NewIndex int    // list_item_move
}

// SetField creates a set field operation.
func SetField(fieldID string, v *Value) FieldOperation {
	return FieldOperation{Type: FieldSet, FieldID: fieldID, Value: v}
}

// DeleteField creates a delete field operation.
func DeleteField(fieldID string) FieldOperation {
	return FieldOperation{Type: FieldDelete, FieldID: fieldID}
}

// ListItemSet creates a list_item_set field operation.
func ListItemSet(fieldID string, index int, v *Value) FieldOperation {
	return FieldOperation{Type: FieldListItemSet, FieldID: fieldID, Index: index, Value: v}
}

// ListItemInsert creates a list_item_insert field operation.
func ListItemInsert(fieldID string, index int, v *Value) FieldOperation {
	return FieldOperation{Type: FieldListItemInsert, FieldID: fieldID, Index: index, Value: v}
}

// ListItemDelete creates a list_item_delete field operation.
func ListItemDelete(fieldID string, index int) FieldOperation {
	return FieldOperation{Type: FieldListItemDelete, FieldID: fieldID, Index: index}
}

// ListItemMove creates a list_item_move field operation.
func ListItemMove(fieldID string, index, newIndex int) FieldOperation {
	return FieldOperation{Type: FieldListItemMove, FieldID: fieldID, Index: index, NewIndex: newIndex}
}

type fieldOperationJSON struct {
	Type         FieldOperationType `json:"change_type"`
	FieldID      string             `json:"field_id"`
	Value        *Value             `json:"value,omitempty"`
	ListItem     *int               `json:"list_item,omitempty"`
	ListItemDest *int               `json:"list_item_dest,omitempty"`
}

// MarshalJSON encodes the operation in wire form. List indices are only
// emitted for list operations.
func (op FieldOperation) MarshalJSON() ([]byte, error) {
	w := fieldOperationJSON{Type: op.Type, FieldID: op.FieldID, Value: op.Value}
	if op.Type.IsListOperation() {
		index := op.Index
		w.ListItem = &index
	}
	if op.Type == FieldListItemMove {
		dest := op.NewIndex
		w.ListItemDest = &dest
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire-form field operation.
func (op *FieldOperation) UnmarshalJSON(data []byte) error {
	var w fieldOperationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = FieldOperation{Type: w.Type, FieldID: w.FieldID, Value: w.Value}
	if w.ListItem != nil {
		op.Index = *w.ListItem
	}
	if w.ListItemDest != nil {
		op.NewIndex = *w.ListItemDest
	}
	return nil
}

// OperationType identifies a record-level change.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpSet    OperationType = "set"
	OpDelete OperationType = "delete"
	OpUpdate OperationType = "update"
)

// ValidOperationTypes defines allowed record operation types.
var ValidOperationTypes = map[OperationType]bool{
	OpInsert: true,
	OpSet:    true,
	OpDelete: true,
	OpUpdate: true,
}

// Key identifies a record within a database.
type Key struct {
	CollectionID string
	RecordID     string
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CollectionID, k.RecordID)
}

// Operation is a change to one record. Insert and set carry the full field
// set as set field operations; update carries arbitrary field operations.
type Operation struct {
	Type            OperationType    `json:"change_type"`
	CollectionID    string           `json:"collection_id"`
	RecordID        string           `json:"record_id"`
	FieldOperations []FieldOperation `json:"changes,omitempty"`
}

// Key returns the key of the record this operation targets.
func (op Operation) Key() Key {
	return Key{CollectionID: op.CollectionID, RecordID: op.RecordID}
}

// Validate checks structural well-formedness (not conflicts).
func (op Operation) Validate() error {
	if !ValidOperationTypes[op.Type] {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if op.CollectionID == "" || op.RecordID == "" {
		return fmt.Errorf("%s operation: collection_id and record_id are required", op.Type)
	}
	for i, fop := range op.FieldOperations {
		if fop.FieldID == "" {
			return fmt.Errorf("%s operation on %s: changes[%d]: field_id is required", op.Type, op.Key(), i)
		}
		if (op.Type == OpInsert || op.Type == OpSet) && fop.Type != FieldSet {
			return fmt.Errorf("%s operation on %s: changes[%d]: only set is allowed, got %q", op.Type, op.Key(), i, fop.Type)
		}
		switch fop.Type {
		case FieldSet, FieldListItemSet, FieldListItemInsert:
			if fop.Value == nil {
				return fmt.Errorf("%s operation on %s: changes[%d]: %s requires a value", op.Type, op.Key(), i, fop.Type)
			}
		}
	}
	return nil
}

// NewRecordFromOperation builds the record an insert or set installs.
func NewRecordFromOperation(op Operation) *Record {
	fields := make(map[string]*Value, len(op.FieldOperations))
	for _, fop := range op.FieldOperations {
		if fop.Type == FieldSet && fop.Value != nil {
			fields[fop.FieldID] = fop.Value.Copy()
		}
	}
	return &Record{CollectionID: op.CollectionID, RecordID: op.RecordID, Fields: fields}
}
