package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/pipeline"
)

func TestHandleGroupsIndependentTasksIntoSameLayer(t *testing.T) {
	tasks := []pipeline.Task{
		pipeline.Task{ID: "a", Title: "a", Description: "does a"}.Normalized(),
		pipeline.Task{ID: "b", Title: "b", Description: "does b"}.Normalized(),
		pipeline.Task{ID: "c", Title: "c", Description: "does c", Dependencies: []string{"a", "b"}}.Normalized(),
	}
	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StagePlanning, Attempt: 1, Payload: pipeline.Payload{Tasks: tasks}}

	tr := &Transform{WorkerID: "w1"}
	next, err := tr.Handle(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageBlueprint, next.Stage)
	require.Len(t, next.Payload.ParallelGroups, 2)
	require.ElementsMatch(t, []string{"a", "b"}, next.Payload.ParallelGroups[0])
	require.Equal(t, []string{"c"}, next.Payload.ParallelGroups[1])
}

func TestHandleOrdersFrontierByPriorityNotTaskID(t *testing.T) {
	// IDs are deliberately alphabetically opposite their priority, so a
	// frontier ordered by ID (the old behavior) would disagree with one
	// ordered by priority ascending (what spec.md's tie-break requires).
	tasks := []pipeline.Task{
		{ID: "a-task", Title: "a", Description: "does a", Priority: 5},
		{ID: "z-task", Title: "z", Description: "does z", Priority: 1},
	}
	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StagePlanning, Attempt: 1, Payload: pipeline.Payload{Tasks: tasks}}

	tr := &Transform{WorkerID: "w1"}
	next, err := tr.Handle(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, next.Payload.ParallelGroups, 1)
	require.Equal(t, []string{"z-task", "a-task"}, next.Payload.ParallelGroups[0])
	require.Equal(t, []string{"z-task", "a-task"}, next.Payload.OrderedTaskIDs)
}

func TestHandleBreaksEqualPriorityTiesByInsertionOrder(t *testing.T) {
	tasks := []pipeline.Task{
		{ID: "z-task", Title: "z", Description: "does z", Priority: 3},
		{ID: "a-task", Title: "a", Description: "does a", Priority: 3},
	}
	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StagePlanning, Attempt: 1, Payload: pipeline.Payload{Tasks: tasks}}

	tr := &Transform{WorkerID: "w1"}
	next, err := tr.Handle(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, []string{"z-task", "a-task"}, next.Payload.ParallelGroups[0])
}

func TestHandleRejectsCyclicTasks(t *testing.T) {
	tasks := []pipeline.Task{
		pipeline.Task{ID: "a", Title: "a", Description: "does a", Dependencies: []string{"b"}}.Normalized(),
		pipeline.Task{ID: "b", Title: "b", Description: "does b", Dependencies: []string{"a"}}.Normalized(),
	}
	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StagePlanning, Attempt: 1, Payload: pipeline.Payload{Tasks: tasks}}

	tr := &Transform{WorkerID: "w1"}
	_, err := tr.Handle(context.Background(), env)
	require.Error(t, err)
}
