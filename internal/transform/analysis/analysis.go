// Package analysis implements the first stage transform: turning a
// submission's free-text intent into a validated task DAG. Grounded on
// spec.md §4.5's Analysis semantics; task cycle/duplicate/dangling-dependency
// validation is pipeline.ValidateTasks (internal/pipeline/task.go), itself
// grounded on the teacher's validateDAG (internal/jobs/orchestrator/dag.go).
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
)

const stageName = "analysis"

type taskExtraction struct {
	Intent      string          `json:"intent"`
	Constraints []string        `json:"constraints"`
	Tasks       []pipeline.Task `json:"tasks"`
}

type Transform struct {
	Gen      generator.Client
	WorkerID string
}

func (t *Transform) Stage() pipeline.Stage { return pipeline.StageAnalysis }

func (t *Transform) Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	extraction, err := t.extract(ctx, env)
	if err != nil {
		return pipeline.Envelope{}, err
	}

	tasks := make([]pipeline.Task, 0, len(extraction.Tasks))
	for _, tk := range extraction.Tasks {
		tasks = append(tasks, tk.Normalized())
	}
	if len(tasks) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generator produced zero tasks"))
	}
	if err := pipeline.ValidateTasks(tasks); err != nil {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generated task set is invalid: %w", err))
	}

	out := env
	out.Payload.Intent = extraction.Intent
	out.Payload.Constraints = extraction.Constraints
	out.Payload.Tasks = tasks

	return out.WithNextStage(pipeline.StagePlanning, t.WorkerID, time.Now()), nil
}

func (t *Transform) extract(ctx context.Context, env pipeline.Envelope) (taskExtraction, error) {
	prompt := buildPrompt(env)
	resp, err := t.Gen.Generate(ctx, generator.Request{
		Stage:       stageName,
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   4096,
	})
	if err != nil {
		return taskExtraction{}, err
	}

	var extraction taskExtraction
	if err := json.Unmarshal([]byte(resp.Text), &extraction); err != nil {
		return taskExtraction{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generator returned non-JSON task extraction: %w", err))
	}
	return extraction, nil
}

func buildPrompt(env pipeline.Envelope) string {
	return fmt.Sprintf(
		"Break the following software project request into a task DAG. "+
			"Respond with JSON: {\"intent\":string,\"constraints\":[string],\"tasks\":[{\"id\":string,\"title\":string,\"description\":string,\"dependencies\":[string],\"priority\":int}]}.\n\nRequest:\n%s",
		env.Payload.Intent,
	)
}
