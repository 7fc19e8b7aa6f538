package record

import (
	"fmt"
	"strings"
)

// ConflictType names why an operation cannot be applied.
type ConflictType string

// Record-level conflicts.
const (
	ConflictBothModified            ConflictType = "both_modified"
	ConflictRecordAlreadyExists     ConflictType = "record_already_exists"
	ConflictDeleteNonExistentRecord ConflictType = "delete_non_existent_record"
	ConflictUpdateNonExistentRecord ConflictType = "update_non_existent_record"
	ConflictInvalidFieldChange      ConflictType = "invalid_field_change"
)

// Field-level conflicts.
const (
	ConflictDeleteNonExistentField ConflictType = "delete_non_existent_field"
	ConflictModifyNonExistentField ConflictType = "modify_non_existent_field"
	ConflictModifyNotAListField    ConflictType = "modify_not_a_list_field"
	ConflictIncorrectListIndex     ConflictType = "incorrect_list_index"
	ConflictUnknownType            ConflictType = "unknown_type"
)

// FieldConflict reports one rejected field operation within an update.
type FieldConflict struct {
	Index  int            `json:"index"`
	Type   ConflictType   `json:"type"`
	Change FieldOperation `json:"change"`
}

// Conflict reports why an operation was rejected.
type Conflict struct {
	Type                 ConflictType    `json:"type"`
	Operation            Operation       `json:"operation"`
	FieldChangeConflicts []FieldConflict `json:"field_change_conflicts,omitempty"`
}

// IndexedConflict pairs a conflict with the position of the rejected
// operation in the submitted operation list.
type IndexedConflict struct {
	Index    int      `json:"index"`
	Conflict Conflict `json:"conflict"`
}

// String implements fmt.Stringer.
func (c IndexedConflict) String() string {
	if len(c.Conflict.FieldChangeConflicts) == 0 {
		return fmt.Sprintf("[%d] %s on %s", c.Index, c.Conflict.Type, c.Conflict.Operation.Key())
	}
	parts := make([]string, len(c.Conflict.FieldChangeConflicts))
	for i, fc := range c.Conflict.FieldChangeConflicts {
		parts[i] = fmt.Sprintf("%s:%s", fc.Change.FieldID, fc.Type)
	}
	return fmt.Sprintf("[%d] %s on %s (%s)", c.Index, c.Conflict.Type, c.Conflict.Operation.Key(), strings.Join(parts, ", "))
}

// FieldConflictError is returned when a field operation is applied to a
// record or value that cannot accept it.
type FieldConflictError struct {
	FieldID string
	Type    ConflictType
}

// Error implements the error interface.
func (e *FieldConflictError) Error() string {
	return fmt.Sprintf("field %q: %s", e.FieldID, e.Type)
}
