package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/recsync/internal/record"
)

// AssertionError is returned when an expectation fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// checkStep compares a step result with its expectation.
func checkStep(res StepResult, want *StepExpect) []error {
	var errs []error
	step := fmt.Sprintf("step %d", res.Index)

	if kind := ErrorKind(res.Err); kind != want.Error {
		actual := "success"
		if res.Err != nil {
			actual = fmt.Sprintf("%s: %v", kind, res.Err)
		}
		expected := "success"
		if want.Error != "" {
			expected = want.Error + " error"
		}
		errs = append(errs, &AssertionError{Type: step + " error", Expected: expected, Actual: actual})
	}

	if want.Conflicts != nil {
		if got := conflictTypes(res.Err); !slices.Equal(got, want.Conflicts) {
			errs = append(errs, &AssertionError{
				Type:     step + " conflicts",
				Expected: fmt.Sprint(want.Conflicts),
				Actual:   fmt.Sprint(got),
			})
		}
	}

	if want.Revision != nil && res.Revision != *want.Revision {
		errs = append(errs, &AssertionError{
			Type:     step + " revision",
			Expected: fmt.Sprint(*want.Revision),
			Actual:   fmt.Sprint(res.Revision),
		})
	}
	return errs
}

// checkFinal compares the server state with the scenario expectation.
func checkFinal(res *Result, want Expectation) []error {
	var errs []error
	if want.Revision != nil && res.Revision != *want.Revision {
		errs = append(errs, &AssertionError{
			Type:     "final revision",
			Expected: fmt.Sprint(*want.Revision),
			Actual:   fmt.Sprint(res.Revision),
		})
	}
	if want.Records != nil {
		if diff := diffRecords(seedRecords(want.Records), res.Records); diff != "" {
			errs = append(errs, &AssertionError{
				Type:     "final records",
				Expected: fmt.Sprintf("%d records", len(want.Records)),
				Actual:   diff,
			})
		}
	}
	return errs
}

// diffRecords describes the first difference between two record sets, or
// returns "" when they hold the same records and values.
func diffRecords(want, got []*record.Record) string {
	want, got = sortRecords(want), sortRecords(got)
	if len(want) != len(got) {
		return fmt.Sprintf("%d records %v, want %d %v", len(got), keys(got), len(want), keys(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.Key() != g.Key() {
			return fmt.Sprintf("record %s, want %s", g.Key(), w.Key())
		}
		if !slices.Equal(w.FieldIDs(), g.FieldIDs()) {
			return fmt.Sprintf("%s fields %v, want %v", g.Key(), g.FieldIDs(), w.FieldIDs())
		}
		for _, id := range w.FieldIDs() {
			if !w.Fields[id].Equal(g.Fields[id]) {
				return fmt.Sprintf("%s.%s = %s, want %s", g.Key(), id, g.Fields[id], w.Fields[id])
			}
		}
	}
	return ""
}

func keys(records []*record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key().String()
	}
	return out
}
