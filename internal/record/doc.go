// Package record provides the leaf value types of the sync protocol.
//
// This package contains typed field values, records, field and record
// operations, conflict reports and server deltas. It imports nothing
// internal; every other package builds on it.
//
// Key constraints:
//   - A Value's type is fixed at construction; only list values mutate, and
//     only through list operations
//   - Records are mutated in place only by ApplyFieldOperation
//   - Validation (DryRun) never mutates
//   - All JSON tags use snake_case and match the server wire format
package record
