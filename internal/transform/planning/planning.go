// Package planning implements the second stage transform: turning the task
// DAG analysis produced into an execution order plus parallel-group layering.
// The layering algorithm is Kahn's algorithm, grounded on the teacher's
// validateDAG (internal/jobs/orchestrator/dag.go) — that function already
// computes a topological order for an analogous "stage DAG" problem; here it
// is generalized to also group same-depth nodes into parallel-execution
// layers, which validateDAG's single flat order doesn't need but spec.md
// §4.5's Planning semantics do.
package planning

import (
	"fmt"
	"sort"
	"time"

	"context"

	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
)

const stageName = "planning"

type Transform struct {
	WorkerID string
}

func (t *Transform) Stage() pipeline.Stage { return pipeline.StagePlanning }

func (t *Transform) Handle(_ context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	tasks := env.Payload.Tasks
	if err := pipeline.ValidateTasks(tasks); err != nil {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("inbound task set invalid: %w", err))
	}

	order, groups, err := layer(tasks)
	if err != nil {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, err)
	}

	deps := make(map[string][]string, len(tasks))
	for _, tk := range tasks {
		deps[tk.ID] = append([]string{}, tk.Dependencies...)
	}

	timeline := make([]pipeline.TimelineEntry, 0, len(order))
	levelOf := map[string]int{}
	for level, group := range groups {
		for _, id := range group {
			levelOf[id] = level
		}
	}
	for _, id := range order {
		timeline = append(timeline, pipeline.TimelineEntry{TaskID: id, Level: levelOf[id]})
	}

	out := env
	out.Payload.OrderedTaskIDs = order
	out.Payload.Dependencies = deps
	out.Payload.ParallelGroups = groups
	out.Payload.Timeline = timeline

	return out.WithNextStage(pipeline.StageBlueprint, t.WorkerID, time.Now()), nil
}

// layer returns a flat topological order plus the same order grouped into
// layers of tasks whose dependencies are all satisfied by earlier layers —
// i.e. tasks within a layer can run in parallel. Ties within a layer are
// broken by priority ascending, then stable on the task's position in the
// inbound task list.
func layer(tasks []pipeline.Task) ([]string, [][]string, error) {
	indeg := make(map[string]int, len(tasks))
	out := make(map[string][]string, len(tasks))
	priority := make(map[string]int, len(tasks))
	insertion := make(map[string]int, len(tasks))
	for i, tk := range tasks {
		if _, ok := indeg[tk.ID]; !ok {
			indeg[tk.ID] = 0
		}
		priority[tk.ID] = tk.Priority
		insertion[tk.ID] = i
	}
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			indeg[tk.ID]++
			out[dep] = append(out[dep], tk.ID)
		}
	}

	remaining := len(tasks)
	var order []string
	var groups [][]string

	for remaining > 0 {
		var frontier []string
		for id, d := range indeg {
			if d == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, nil, fmt.Errorf("cycle detected while layering task DAG")
		}
		sort.Slice(frontier, func(i, j int) bool {
			a, b := frontier[i], frontier[j]
			if priority[a] != priority[b] {
				return priority[a] < priority[b]
			}
			return insertion[a] < insertion[b]
		})
		groups = append(groups, frontier)
		for _, id := range frontier {
			order = append(order, id)
			delete(indeg, id)
			for _, n := range out[id] {
				indeg[n]--
			}
			remaining--
		}
	}
	return order, groups, nil
}
