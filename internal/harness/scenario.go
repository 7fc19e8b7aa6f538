package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/recsync/internal/politics"
)

// Scenario describes clients sharing one database.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Database is the database id. Defaults to the scenario name.
	Database string `yaml:"database,omitempty"`

	// Clients names the replicas taking part, in opening order.
	Clients []string `yaml:"clients"`

	// MaxRetries overrides the retry cap of every client.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// Seed records are committed on the server before clients open.
	Seed []RecordSpec `yaml:"seed,omitempty"`

	Steps  []Step      `yaml:"steps"`
	Expect Expectation `yaml:"expect"`
}

// RecordSpec is a record written in YAML.
type RecordSpec struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// Step is one action in a scenario. Exactly one of Push, Retry, Update,
// Fault or Invalidate is set.
type Step struct {
	Client string `yaml:"client,omitempty"`

	// Push builds a new transaction from these operations and pushes it.
	Push []OpSpec `yaml:"push,omitempty"`

	// Politics names the conflict policy for Push and Retry.
	Politics string `yaml:"politics,omitempty"`

	// Retry pushes the client's last transaction again.
	Retry bool `yaml:"retry,omitempty"`

	// Update brings the client up to date with the server.
	Update bool `yaml:"update,omitempty"`

	// Fault makes the next matching server call fail.
	Fault *FaultSpec `yaml:"fault,omitempty"`

	// Invalidate marks the database gone on the server.
	Invalidate bool `yaml:"invalidate,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// OpSpec is a transaction builder call written in YAML.
type OpSpec struct {
	Type       string         `yaml:"type"`
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	FieldIDs   []string       `yaml:"field_ids,omitempty"`
	Field      string         `yaml:"field,omitempty"`
	Index      int            `yaml:"index,omitempty"`
	NewIndex   int            `yaml:"new_index,omitempty"`
	Value      any            `yaml:"value,omitempty"`
}

// FaultSpec mirrors testutil.Fault.
type FaultSpec struct {
	Method string `yaml:"method"`
	Code   int    `yaml:"code"`
	Commit bool   `yaml:"commit,omitempty"`
}

// StepExpect is the expected outcome of a step.
type StepExpect struct {
	// Error is the expected error kind, or empty for success.
	Error string `yaml:"error,omitempty"`

	// Conflicts lists expected conflict types in operation order.
	Conflicts []string `yaml:"conflicts,omitempty"`

	// Revision is the client's revision after the step.
	Revision *int64 `yaml:"revision,omitempty"`
}

// Expectation validates the end state.
type Expectation struct {
	// Revision is the server revision.
	Revision *int64 `yaml:"revision,omitempty"`

	// Records is the complete server record set.
	Records []RecordSpec `yaml:"records,omitempty"`

	// Converged requires every live client to hold the server's records
	// after a final update.
	Converged bool `yaml:"converged,omitempty"`
}

// Operation types accepted in OpSpec.Type.
const (
	OpInsert       = "insert"
	OpSet          = "set"
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpDeleteFields = "delete_fields"
	OpListSet      = "list_set"
	OpListInsert   = "list_insert"
	OpListDelete   = "list_delete"
	OpListMove     = "list_move"
)

// Error kinds accepted in StepExpect.Error.
const (
	ErrorConflict   = "conflict"
	ErrorGone       = "gone"
	ErrorValidation = "validation"
	ErrorTransient  = "transient"
	ErrorOther      = "other"
)

var (
	opTypes    = []string{OpInsert, OpSet, OpUpdate, OpDelete, OpDeleteFields, OpListSet, OpListInsert, OpListDelete, OpListMove}
	errorKinds = []string{ErrorConflict, ErrorGone, ErrorValidation, ErrorTransient, ErrorOther}
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "expects:" vs "expect:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Database == "" {
		scenario.Database = scenario.Name
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	for i, name := range s.Clients {
		if name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if slices.Index(s.Clients, name) != i {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, name)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, r := range s.Seed {
		if r.Collection == "" || r.ID == "" {
			return fmt.Errorf("seed[%d]: collection and id are required", i)
		}
	}
	for i := range s.Steps {
		if err := validateStep(s, i); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(s *Scenario, index int) error {
	step := &s.Steps[index]

	actions := 0
	for _, set := range []bool{len(step.Push) > 0, step.Retry, step.Update, step.Fault != nil, step.Invalidate} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of push, retry, update, fault, invalidate is required", index)
	}

	clientStep := len(step.Push) > 0 || step.Retry || step.Update
	if clientStep && !slices.Contains(s.Clients, step.Client) {
		return fmt.Errorf("steps[%d]: unknown client %q", index, step.Client)
	}
	if !clientStep && step.Client != "" {
		return fmt.Errorf("steps[%d]: server steps take no client", index)
	}
	if step.Fault != nil && (step.Fault.Method == "" || step.Fault.Code == 0) {
		return fmt.Errorf("steps[%d].fault: method and code are required", index)
	}

	if step.Politics != "" {
		if _, err := politics.Lookup(step.Politics); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	for j, op := range step.Push {
		if !slices.Contains(opTypes, op.Type) {
			return fmt.Errorf("steps[%d].push[%d]: unknown operation type %q", index, j, op.Type)
		}
	}
	if step.Expect != nil && step.Expect.Error != "" && !slices.Contains(errorKinds, step.Expect.Error) {
		return fmt.Errorf("steps[%d].expect: unknown error kind %q", index, step.Expect.Error)
	}
	return nil
}
