package record

// Delta is one server-assigned, revision-stamped batch of record changes.
type Delta struct {
	DeltaID      string      `json:"delta_id,omitempty"`
	BaseRevision int64       `json:"base_revision"`
	Revision     int64       `json:"revision"`
	Changes      []Operation `json:"changes"`
}

// Keys returns the keys of all records touched by the delta, in order of
// first appearance.
func (d Delta) Keys() []Key {
	seen := make(map[Key]bool, len(d.Changes))
	keys := make([]Key, 0, len(d.Changes))
	for _, op := range d.Changes {
		k := op.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
