package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "file name matches scenario name")

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			for _, e := range result.Errors {
				t.Error(e)
			}
			assert.True(t, result.Pass())

			g.Assert(t, scenario.Name, []byte(result.Trace()))
		})
	}
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong
description: "Expectations that do not hold"
clients: [a]
steps:
  - client: a
    push:
      - { type: delete, collection: todo, id: ghost }
    expect: { revision: 7 }
expect:
  revision: 3
  records:
    - { collection: todo, id: t1 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass())

	var types []string
	for _, e := range result.Errors {
		var ae *AssertionError
		require.ErrorAs(t, e, &ae)
		types = append(types, ae.Type)
	}
	assert.Equal(t, []string{"step 1 error", "step 1 revision", "final revision", "final records"}, types)
	assert.Equal(t, "[1] a push: conflict(delete_non_existent_record) revision=0\n", result.Trace())
}

func TestRun_DatabaseDefaultsToName(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: notes
description: "Database id defaults to the scenario name"
clients: [a]
steps:
  - client: a
    update: true
`))
	require.NoError(t, err)
	assert.Equal(t, "notes", scenario.Database)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass())
	assert.Equal(t, int64(0), result.Revision)
}

func TestRun_RetryWithoutTransaction(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: retry_first
description: "Retry before any push"
clients: [a]
steps:
  - client: a
    retry: true
    expect: { error: other }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass())
}

func TestStepResult_String(t *testing.T) {
	assert.Equal(t, "[2] server fault GetDeltas 500 revision=4",
		StepResult{Index: 2, Action: ActionFault, Detail: " GetDeltas 500", Revision: 4}.String())
	assert.Equal(t, "[1] a update: ok revision=3",
		StepResult{Index: 1, Client: "a", Action: ActionUpdate, Revision: 3}.String())
}
