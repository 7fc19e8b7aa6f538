package record

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Record is a named map of field values within a collection.
type Record struct {
	CollectionID string
	RecordID     string
	Fields       map[string]*Value
}

// NewRecord creates a record. The fields map is used as is.
func NewRecord(collectionID, recordID string, fields map[string]*Value) *Record {
	if fields == nil {
		fields = make(map[string]*Value)
	}
	return &Record{CollectionID: collectionID, RecordID: recordID, Fields: fields}
}

// Key returns the record's key.
func (r *Record) Key() Key {
	return Key{CollectionID: r.CollectionID, RecordID: r.RecordID}
}

// Field returns the value of a field.
func (r *Record) Field(fieldID string) (*Value, bool) {
	v, ok := r.Fields[fieldID]
	return v, ok
}

// FieldIDs returns the record's field ids in sorted order.
func (r *Record) FieldIDs() []string {
	ids := make([]string, 0, len(r.Fields))
	for id := range r.Fields {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	fields := make(map[string]*Value, len(r.Fields))
	for id, v := range r.Fields {
		fields[id] = v.Copy()
	}
	return &Record{CollectionID: r.CollectionID, RecordID: r.RecordID, Fields: fields}
}

// DryRun validates a field operation against this record without applying it.
// Returns "" when the operation would succeed.
func (r *Record) DryRun(op FieldOperation) ConflictType {
	switch op.Type {
	case FieldSet:
		return ""
	case FieldDelete:
		if _, ok := r.Fields[op.FieldID]; !ok {
			return ConflictDeleteNonExistentField
		}
		return ""
	case FieldListItemSet, FieldListItemInsert, FieldListItemDelete, FieldListItemMove:
		v, ok := r.Fields[op.FieldID]
		if !ok {
			return ConflictModifyNonExistentField
		}
		if !v.IsList() {
			return ConflictModifyNotAListField
		}
		return v.DryRun(op)
	}
	return ConflictUnknownType
}

// ApplyFieldOperation applies a field operation in place.
// Returns a *FieldConflictError if the operation does not validate.
func (r *Record) ApplyFieldOperation(op FieldOperation) error {
	if c := r.DryRun(op); c != "" {
		return &FieldConflictError{FieldID: op.FieldID, Type: c}
	}
	switch op.Type {
	case FieldSet:
		r.Fields[op.FieldID] = NewValue(op.Value)
	case FieldDelete:
		delete(r.Fields, op.FieldID)
	default:
		return r.Fields[op.FieldID].ApplyListOperation(op)
	}
	return nil
}

type fieldJSON struct {
	FieldID string `json:"field_id"`
	Value   *Value `json:"value"`
}

type recordJSON struct {
	CollectionID string      `json:"collection_id"`
	RecordID     string      `json:"record_id"`
	Fields       []fieldJSON `json:"fields"`
}

// MarshalJSON encodes the record in snapshot wire form, fields sorted by id.
func (r *Record) MarshalJSON() ([]byte, error) {
	w := recordJSON{CollectionID: r.CollectionID, RecordID: r.RecordID, Fields: make([]fieldJSON, 0, len(r.Fields))}
	for _, id := range r.FieldIDs() {
		w.Fields = append(w.Fields, fieldJSON{FieldID: id, Value: r.Fields[id]})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a snapshot wire-form record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	fields := make(map[string]*Value, len(w.Fields))
	for _, f := range w.Fields {
		if f.Value == nil {
			return fmt.Errorf("record %s/%s: field %q has no value", w.CollectionID, w.RecordID, f.FieldID)
		}
		fields[f.FieldID] = f.Value
	}
	*r = Record{CollectionID: w.CollectionID, RecordID: w.RecordID, Fields: fields}
	return nil
}
