package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/generator/gentest"
	"github.com/yungbote/devpipe/internal/pipeline"
)

type fakeStore struct {
	ref pipeline.ArtifactRef
	err error
}

func (f *fakeStore) Write(_ context.Context, _ string, _ string, _ map[string][]byte, _ string) (pipeline.ArtifactRef, error) {
	if f.err != nil {
		return pipeline.ArtifactRef{}, f.err
	}
	return f.ref, nil
}

func TestHandleCommitsFilesAndCompletesOnPassingSuite(t *testing.T) {
	fake := &gentest.Fake{Responses: []generator.Response{{Text: `{"passed":4,"failed":0,"log":"ok"}`}}}
	store := &fakeStore{ref: pipeline.ArtifactRef{RepoURL: "git@example.com/r.git", Branch: "req/r1", CommitHash: "abc123"}}
	tr := &Transform{Gen: fake, Store: store, WorkerID: "w1"}

	env := pipeline.Envelope{
		RequestID: "r1", Stage: pipeline.StageTest, Attempt: 1,
		Payload: pipeline.Payload{Files: map[string]string{"main.go": "package main"}},
	}
	next, err := tr.Handle(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageTest, next.Stage)
	require.NotNil(t, next.Payload.TestResults)
	require.Equal(t, 4, next.Payload.TestResults.Passed)
	require.Equal(t, 1.0, next.Payload.Coverage)
	require.NotNil(t, next.Payload.ArtifactRef)
	require.Equal(t, "abc123", next.Payload.ArtifactRef.CommitHash)
}

func TestHandleReturnsErrorWhenSuiteFails(t *testing.T) {
	fake := &gentest.Fake{Responses: []generator.Response{{Text: `{"passed":2,"failed":1,"log":"one failure"}`}}}
	store := &fakeStore{ref: pipeline.ArtifactRef{RepoURL: "git@example.com/r.git", Branch: "req/r1", CommitHash: "def456"}}
	tr := &Transform{Gen: fake, Store: store, WorkerID: "w1"}

	env := pipeline.Envelope{
		RequestID: "r1", Stage: pipeline.StageTest, Attempt: 1,
		Payload: pipeline.Payload{Files: map[string]string{"main.go": "package main"}},
	}
	_, err := tr.Handle(context.Background(), env)
	require.Error(t, err)
}

func TestHandleRejectsEmptyFileSet(t *testing.T) {
	tr := &Transform{Gen: &gentest.Fake{}, Store: &fakeStore{}, WorkerID: "w1"}
	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageTest, Attempt: 1}
	_, err := tr.Handle(context.Background(), env)
	require.Error(t, err)
}
