package code

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/generator"
	"github.com/yungbote/devpipe/internal/generator/gentest"
	"github.com/yungbote/devpipe/internal/pipeline"
)

func TestHandleMergesFilesAcrossComponentsAndAdvancesToTest(t *testing.T) {
	fake := &gentest.Fake{Responses: []generator.Response{
		{Text: `{"files":{"api/main.go":"package api"}}`},
		{Text: `{"files":{"db/store.go":"package db"}}`},
	}}
	tr := &Transform{Gen: fake, WorkerID: "w1"}

	env := pipeline.Envelope{
		RequestID: "r1", Stage: pipeline.StageCode, Attempt: 1,
		Payload: pipeline.Payload{Components: []pipeline.Component{
			{Name: "api", Responsibility: "serve http"},
			{Name: "db", Responsibility: "persist data"},
		}},
	}
	next, err := tr.Handle(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageTest, next.Stage)
	require.Len(t, next.Payload.Files, 2)
	require.Equal(t, "package api", next.Payload.Files["api/main.go"])
	require.Equal(t, 2, fake.Calls())
}

func TestHandleRejectsEmptyComponentList(t *testing.T) {
	fake := &gentest.Fake{}
	tr := &Transform{Gen: fake, WorkerID: "w1"}

	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageCode, Attempt: 1}
	_, err := tr.Handle(context.Background(), env)
	require.Error(t, err)
}
