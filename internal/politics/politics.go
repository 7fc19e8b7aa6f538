// Package politics provides pure conflict-resolution policies.
//
// A Policy maps (operations, conflicts) to the operations that should be
// retried. Policies never touch a dataset; the caller dry-runs the filtered
// set again.
package politics

import (
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/recsync/internal/record"
)

// Policy filters operations given the conflicts a dry run reported.
type Policy func(ops []record.Operation, conflicts []record.IndexedConflict) []record.Operation

// Built-in policy names.
const (
	// Theirs drops every conflicting operation: remote state wins.
	Theirs = "theirs"

	// SkipMissing drops deletes of records that are already gone and
	// leaves every other conflict in place.
	SkipMissing = "skip_missing"
)

var registry = map[string]Policy{
	Theirs:      DropAll,
	SkipMissing: DropTypes(record.ConflictDeleteNonExistentRecord),
}

// Lookup returns the named policy.
func Lookup(name string) (Policy, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown politics %q (known: %v)", name, Names())
	}
	return p, nil
}

// Names returns the registered policy names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropAll removes every operation that has a conflict.
func DropAll(ops []record.Operation, conflicts []record.IndexedConflict) []record.Operation {
	drop := make(map[int]bool, len(conflicts))
	for _, c := range conflicts {
		drop[c.Index] = true
	}
	return keep(ops, drop)
}

// DropTypes returns a policy that removes operations whose conflict type is
// one of types.
func DropTypes(types ...record.ConflictType) Policy {
	return func(ops []record.Operation, conflicts []record.IndexedConflict) []record.Operation {
		drop := make(map[int]bool, len(conflicts))
		for _, c := range conflicts {
			if slices.Contains(types, c.Conflict.Type) {
				drop[c.Index] = true
			}
		}
		return keep(ops, drop)
	}
}

func keep(ops []record.Operation, drop map[int]bool) []record.Operation {
	out := make([]record.Operation, 0, len(ops))
	for i, op := range ops {
		if !drop[i] {
			out = append(out, op)
		}
	}
	return out
}
