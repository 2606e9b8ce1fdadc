// Package test implements the fifth and final stage transform: running an
// opaque test pass over the generated files, writing the final file set to
// the artifact store (C2), and producing the envelope workerrt publishes to
// the completion topic. Per spec.md §4.5's Test semantics there is no sixth
// stage to hand off to, so Handle appends its own provenance entry directly
// rather than calling Envelope.WithNextStage (which requires a distinct next
// Stage).
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yungbote/devpipe/internal/artifactstore"
	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
)

const stageName = "test"

type testReport struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Log    string `json:"log"`
}

type Transform struct {
	Gen      generator.Client
	Store    artifactstore.Store
	WorkerID string
}

func (t *Transform) Stage() pipeline.Stage { return pipeline.StageTest }

func (t *Transform) Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	if len(env.Payload.Files) == 0 {
		return pipeline.Envelope{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("no files to test"))
	}

	report, err := t.runTests(ctx, env)
	if err != nil {
		return pipeline.Envelope{}, err
	}

	files := make(map[string][]byte, len(env.Payload.Files))
	for path, contents := range env.Payload.Files {
		files[path] = []byte(contents)
	}

	ref, err := t.Store.Write(ctx, env.RequestID, "", files, fmt.Sprintf("stage=test passed=%d failed=%d", report.Passed, report.Failed))
	if err != nil {
		return pipeline.Envelope{}, apperr.Wrap(apperr.TransientExternal, stageName, err)
	}

	now := time.Now()
	out := env
	out.Payload.TestResults = &pipeline.TestResults{Passed: report.Passed, Failed: report.Failed, Log: report.Log}
	out.Payload.Coverage = coverage(report)
	out.Payload.ArtifactRef = &pipeline.ArtifactRef{
		RepoURL:    ref.RepoURL,
		Branch:     ref.Branch,
		CommitHash: ref.CommitHash,
		Paths:      ref.Paths,
	}
	out.ProducedAt = now
	out.Attempt = 1
	out.Provenance = append(append([]pipeline.ProvenanceEntry{}, env.Provenance...), pipeline.ProvenanceEntry{
		Stage:      pipeline.StageTest,
		ProducedAt: now,
		WorkerID:   t.WorkerID,
	})

	// Files are committed above regardless of outcome so a failed run is still
	// inspectable; only the envelope publish is gated on the suite passing.
	if report.Failed > 0 {
		return pipeline.Envelope{}, apperr.New(apperr.PermanentExternal, stageName, fmt.Errorf("generated test suite failed: %d of %d cases", report.Failed, report.Passed+report.Failed))
	}

	return out, nil
}

func (t *Transform) runTests(ctx context.Context, env pipeline.Envelope) (testReport, error) {
	resp, err := t.Gen.Generate(ctx, generator.Request{
		Stage:       stageName,
		Prompt:      buildPrompt(env),
		Temperature: 0,
		MaxTokens:   4096,
	})
	if err != nil {
		return testReport{}, err
	}
	var report testReport
	if err := json.Unmarshal([]byte(resp.Text), &report); err != nil {
		return testReport{}, apperr.New(apperr.Poison, stageName, fmt.Errorf("generator returned non-JSON test report: %w", err))
	}
	return report, nil
}

func coverage(r testReport) float64 {
	total := r.Passed + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(total)
}

func buildPrompt(env pipeline.Envelope) string {
	return fmt.Sprintf(
		"Evaluate the following generated files for correctness against their specs and respond with JSON: "+
			"{\"passed\":int,\"failed\":int,\"log\":string}.\n\nComponents: %v\nFile count: %d\n",
		env.Payload.Components, len(env.Payload.Files),
	)
}
