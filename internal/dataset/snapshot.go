package dataset

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// Snapshot is the serializable state of a dataset: a revision and the full
// record set. History is not part of a snapshot.
type Snapshot struct {
	Revision int64            `json:"revision"`
	Records  []*record.Record `json:"records"`
}

// Snapshot captures the dataset's current state. Records are copies.
func (d *Dataset) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{Revision: d.revision, Records: d.sortedCopiesLocked()}
}

// FromSnapshot creates a dataset from a snapshot, taking ownership of its
// records.
func FromSnapshot(s Snapshot) *Dataset {
	return New(s.Revision, s.Records)
}

// MarshalSnapshot encodes a snapshot as JSON.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	if s.Records == nil {
		s.Records = []*record.Record{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return b, nil
}

// UnmarshalSnapshot decodes a JSON snapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	for i, r := range s.Records {
		if r == nil || r.CollectionID == "" || r.RecordID == "" {
			return Snapshot{}, fmt.Errorf("unmarshal snapshot: records[%d] is incomplete", i)
		}
	}
	return s, nil
}
