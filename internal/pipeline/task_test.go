package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTasksDetectsCycle(t *testing.T) {
	t.Parallel()
	tasks := []Task{
		{ID: "a", Title: "A", Description: "desc", Dependencies: []string{"b"}, Priority: 3},
		{ID: "b", Title: "B", Description: "desc", Dependencies: []string{"a"}, Priority: 3},
	}
	err := ValidateTasks(tasks)
	require.Error(t, err)
}

func TestValidateTasksDetectsDuplicateID(t *testing.T) {
	t.Parallel()
	tasks := []Task{
		{ID: "a", Title: "A", Description: "desc", Priority: 3},
		{ID: "a", Title: "A2", Description: "desc", Priority: 3},
	}
	err := ValidateTasks(tasks)
	require.Error(t, err)
}

func TestValidateTasksDetectsDanglingDependency(t *testing.T) {
	t.Parallel()
	tasks := []Task{
		{ID: "a", Title: "A", Description: "desc", Dependencies: []string{"ghost"}, Priority: 3},
	}
	err := ValidateTasks(tasks)
	require.Error(t, err)
}

func TestValidateTasksAcceptsValidDAG(t *testing.T) {
	t.Parallel()
	tasks := []Task{
		{ID: "a", Title: "A", Description: "desc", Priority: 3},
		{ID: "b", Title: "B", Description: "desc", Dependencies: []string{"a"}, Priority: 3},
		{ID: "c", Title: "C", Description: "desc", Dependencies: []string{"a", "b"}, Priority: 3},
	}
	require.NoError(t, ValidateTasks(tasks))
}

func TestTaskNormalizedDefaults(t *testing.T) {
	t.Parallel()
	tk := Task{ID: "a", Title: "A", Description: "desc"}.Normalized()
	require.Equal(t, 3, tk.Priority)
	require.Equal(t, TaskPending, tk.Status)
}
