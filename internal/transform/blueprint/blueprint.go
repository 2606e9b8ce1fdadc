// Package blueprint implements the third stage transform: turning the
// planned task order into a structural component list (what files/modules
// exist and how they depend on each other) plus a data model and API
// surface sketch, per spec.md §4.5's Blueprint semantics.
package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
)

const stageName = "blueprint"

type blueprintExtraction struct {
	Components     []pipeline.Component `json:"components"`
	DataModel      string                `json:"data_model"`
	APISpec        string                `json:"api_spec"`
	DeploymentPlan string                `json:"deployment_plan"`
}

type Transform struct {
	Gen      generator.Client
	WorkerID string
}

func (t *Transform) Stage() pipeline.Stage { return pipeline.StageBlueprint }

func (t *Transform) Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	if len(env.Payload.OrderedTaskIDs) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("no ordered tasks to build a blueprint from"))
	}

	resp, err := t.Gen.Generate(ctx, generator.Request{
		Stage:       stageName,
		Prompt:      buildPrompt(env),
		Temperature: 0.2,
		MaxTokens:   4096,
	})
	if err != nil {
		return pipeline.Envelope{}, err
	}

	var extraction blueprintExtraction
	if err := json.Unmarshal([]byte(resp.Text), &extraction); err != nil {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generator returned non-JSON blueprint: %w", err))
	}
	if len(extraction.Components) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("blueprint produced zero components"))
	}
	if err := validateComponents(extraction.Components); err != nil {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, err)
	}

	out := env
	out.Payload.Components = extraction.Components
	out.Payload.DataModel = extraction.DataModel
	out.Payload.APISpec = extraction.APISpec
	out.Payload.DeploymentPlan = extraction.DeploymentPlan

	return out.WithNextStage(pipeline.StageCode, t.WorkerID, time.Now()), nil
}

func validateComponents(components []pipeline.Component) error {
	byName := make(map[string]bool, len(components))
	for _, c := range components {
		if c.Name == "" {
			return fmt.Errorf("component missing name")
		}
		if byName[c.Name] {
			return fmt.Errorf("duplicate component name %q", c.Name)
		}
		byName[c.Name] = true
	}
	for _, c := range components {
		for _, dep := range c.DependsOn {
			if !byName[dep] {
				return fmt.Errorf("component %q depends on unknown component %q", c.Name, dep)
			}
		}
	}
	return nil
}

func buildPrompt(env pipeline.Envelope) string {
	return fmt.Sprintf(
		"Given this task plan, produce a structural blueprint. Respond with JSON: "+
			"{\"components\":[{\"name\":string,\"responsibility\":string,\"depends_on\":[string]}],"+
			"\"data_model\":string,\"api_spec\":string,\"deployment_plan\":string}.\n\n"+
			"Intent: %s\nOrdered tasks: %v\nParallel groups: %v\n",
		env.Payload.Intent, env.Payload.OrderedTaskIDs, env.Payload.ParallelGroups,
	)
}
