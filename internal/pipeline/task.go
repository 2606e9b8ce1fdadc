package pipeline

import (
	"fmt"
	"regexp"
)

// TaskStatus is the lifecycle of a single Task within a request's tasks list.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Task is a unit of work inside analysis.payload.tasks.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
}

// Validate checks a single Task's own invariants (ID shape, required fields,
// priority range). Cross-task invariants (duplicate IDs, dependency cycles,
// dangling dependency references) are checked at the task-list level by
// ValidateTasks, since they require the full set.
func (t Task) Validate() error {
	if !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("task id %q does not match [A-Za-z0-9_-]+", t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title must not be empty", t.ID)
	}
	if t.Description == "" {
		return fmt.Errorf("task %s: description must not be empty", t.ID)
	}
	if t.Priority < 1 || t.Priority > 5 {
		return fmt.Errorf("task %s: priority %d out of range [1,5]", t.ID, t.Priority)
	}
	switch t.Status {
	case TaskPending, TaskInProgress, TaskCompleted, "":
	default:
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	seen := map[string]bool{}
	for _, dep := range t.Dependencies {
		if seen[dep] {
			return fmt.Errorf("task %s: duplicate dependency %q", t.ID, dep)
		}
		seen[dep] = true
	}
	return nil
}

// Normalized returns a copy of t with defaults applied: Priority defaults to
// 3, Status defaults to TaskPending.
func (t Task) Normalized() Task {
	if t.Priority == 0 {
		t.Priority = 3
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	return t
}

// ValidateTasks checks the whole-list invariants §3 requires: unique IDs,
// dependencies that reference only ids present in the same list, and no
// dependency cycles. It returns a plain error; analysis wraps it as
// apperr.Poison, so a cycle or duplicate ID is never retried.
func ValidateTasks(tasks []Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("task %s: dependency %q does not reference a known task", t.ID, dep)
			}
		}
	}
	return detectCycle(tasks)
}

func detectCycle(tasks []Task) error {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle detected at task %q", id)
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, t := range tasks {
		if err := visit(t.ID, nil); err != nil {
			return err
		}
	}
	return nil
}
