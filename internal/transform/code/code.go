// Package code implements the fourth stage transform: generating file
// contents for each blueprint component, closed over the blueprint's
// component/path structure, per spec.md §4.5's Code semantics.
package code

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
)

const stageName = "code"

type fileGeneration struct {
	Files map[string]string `json:"files"`
}

type Transform struct {
	Gen      generator.Client
	WorkerID string
}

func (t *Transform) Stage() pipeline.Stage { return pipeline.StageCode }

func (t *Transform) Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	if len(env.Payload.Components) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("no components to generate code for"))
	}

	files := make(map[string]string)
	for _, c := range env.Payload.Components {
		generated, err := t.generateComponent(ctx, env, c)
		if err != nil {
			return pipeline.Envelope{}, err
		}
		for path, contents := range generated.Files {
			files[path] = contents
		}
	}
	if len(files) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("code generation produced zero files"))
	}

	out := env
	out.Payload.Files = files

	return out.WithNextStage(pipeline.StageTest, t.WorkerID, time.Now()), nil
}

func (t *Transform) generateComponent(ctx context.Context, env pipeline.Envelope, c pipeline.Component) (fileGeneration, error) {
	resp, err := t.Gen.Generate(ctx, generator.Request{
		Stage:       stageName,
		Prompt:      buildPrompt(env, c),
		Temperature: 0.1,
		MaxTokens:   8192,
	})
	if err != nil {
		return fileGeneration{}, err
	}

	var gen fileGeneration
	if err := json.Unmarshal([]byte(resp.Text), &gen); err != nil {
		return fileGeneration{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generator returned non-JSON file set for component %q: %w", c.Name, err))
	}
	return gen, nil
}

func buildPrompt(env pipeline.Envelope, c pipeline.Component) string {
	return fmt.Sprintf(
		"Generate source files implementing component %q (%s). Respond with JSON: "+
			"{\"files\":{\"relative/path\":\"file contents\"}}.\n\n"+
			"Data model: %s\nAPI spec: %s\n",
		c.Name, c.Responsibility, env.Payload.DataModel, env.Payload.APISpec,
	)
}
