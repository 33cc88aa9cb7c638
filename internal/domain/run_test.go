package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainSpec(runID string, names ...string) *RunSpec {
	spec := &RunSpec{RunID: runID, Limits: DefaultSpendLimits()}
	for i, name := range names {
		task := TaskSpec{Name: name, Type: "llm"}
		if i > 0 {
			task.Needs = []string{names[i-1]}
		}
		spec.Tasks = append(spec.Tasks, task)
	}
	return spec
}

func TestRunSpec_ValidChain(t *testing.T) {
	require.NoError(t, chainSpec("run-1", "extract", "summarize", "report").Validate())
}

func TestRunSpec_RequiresRunIDAndTasks(t *testing.T) {
	spec := &RunSpec{Tasks: []TaskSpec{{Name: "a", Type: "llm"}}}
	require.Error(t, spec.Validate(), "missing run id")

	spec = &RunSpec{RunID: "run-1"}
	require.Error(t, spec.Validate(), "missing tasks")
}

func TestRunSpec_DuplicateNames(t *testing.T) {
	spec := &RunSpec{
		RunID: "run-1",
		Tasks: []TaskSpec{
			{Name: "same", Type: "llm"},
			{Name: "same", Type: "llm"},
		},
	}
	require.ErrorIs(t, spec.Validate(), ErrDuplicateTaskName)
}

func TestRunSpec_UnknownDependency(t *testing.T) {
	spec := &RunSpec{
		RunID: "run-1",
		Tasks: []TaskSpec{
			{Name: "a", Type: "llm", Needs: []string{"ghost"}},
		},
	}
	require.ErrorIs(t, spec.Validate(), ErrUnknownDependency)
}

func TestRunSpec_CycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		tasks []TaskSpec
	}{
		{
			"self loop",
			[]TaskSpec{{Name: "a", Type: "llm", Needs: []string{"a"}}},
		},
		{
			"two node cycle",
			[]TaskSpec{
				{Name: "a", Type: "llm", Needs: []string{"b"}},
				{Name: "b", Type: "llm", Needs: []string{"a"}},
			},
		},
		{
			"cycle behind a chain",
			[]TaskSpec{
				{Name: "entry", Type: "llm", Needs: []string{"a"}},
				{Name: "a", Type: "llm", Needs: []string{"b"}},
				{Name: "b", Type: "llm", Needs: []string{"c"}},
				{Name: "c", Type: "llm", Needs: []string{"a"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &RunSpec{RunID: "run-1", Tasks: tt.tasks}
			require.ErrorIs(t, spec.Validate(), ErrDependencyCycle)
		})
	}
}

func TestRunSpec_DiamondIsNotACycle(t *testing.T) {
	spec := &RunSpec{
		RunID: "run-1",
		Tasks: []TaskSpec{
			{Name: "root", Type: "llm"},
			{Name: "left", Type: "llm", Needs: []string{"root"}},
			{Name: "right", Type: "llm", Needs: []string{"root"}},
			{Name: "join", Type: "llm", Needs: []string{"left", "right"}},
		},
	}
	require.NoError(t, spec.Validate())
}

func TestRunSpec_TaskLookup(t *testing.T) {
	spec := chainSpec("run-1", "a", "b")
	require.NotNil(t, spec.Task("a"))
	assert.Equal(t, "b", spec.Task("b").Name)
	assert.Nil(t, spec.Task("missing"))
}

func TestResolution_Validate(t *testing.T) {
	key := ComputeDigest([]byte("key")).String()

	success := Resolution{TaskKey: key, Output: ComputeDigest([]byte("out"))}
	require.NoError(t, success.Validate())

	failure := Resolution{TaskKey: key, Failed: true}
	require.NoError(t, failure.Validate())

	missingOutput := Resolution{TaskKey: key}
	require.Error(t, missingOutput.Validate(), "success without output digest")

	anonymous := Resolution{Output: ComputeDigest([]byte("out"))}
	require.Error(t, anonymous.Validate(), "missing task key")
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunActive.Terminal())
	for _, s := range []RunStatus{RunDone, RunFailed, RunHalted, RunCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
}

func TestCeilingError_Message(t *testing.T) {
	err := &CeilingError{
		RunID:     "run-1",
		Ceiling:   500000,
		Spent:     400000,
		InFlight:  50000,
		Requested: 100000,
	}
	msg := err.Error()
	assert.Contains(t, msg, "run-1")
	assert.Contains(t, msg, "$5.00")
	assert.Contains(t, msg, "$4.00")
}
