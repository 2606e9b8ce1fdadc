package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/broker/memorybroker"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

type fakeSnapshotStore struct {
	mu     sync.Mutex
	states map[string]*pipeline.PipelineState
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{states: make(map[string]*pipeline.PipelineState)}
}

func (f *fakeSnapshotStore) Save(_ context.Context, state *pipeline.PipelineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.states[state.RequestID] = &cp
	return nil
}

func (f *fakeSnapshotStore) LoadAll(_ context.Context) ([]*pipeline.PipelineState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*pipeline.PipelineState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func TestRunAdvancesStateAcrossStageTopics(t *testing.T) {
	b := memorybroker.New()
	store := newFakeSnapshotStore()
	orc := New(testLogger(t), nil, b, store, Config{StallCheckInterval: time.Hour, StallThreshold: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = orc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r1", pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageAnalysis, ProducedAt: time.Now()}))
	require.Eventually(t, func() bool {
		s, ok := orc.Snapshot("r1")
		return ok && s.CurrentStage == pipeline.ExtAnalysis
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(ctx, pipeline.TopicPlanning, "r1", pipeline.Envelope{RequestID: "r1", Stage: pipeline.StagePlanning, ProducedAt: time.Now()}))
	require.Eventually(t, func() bool {
		s, ok := orc.Snapshot("r1")
		return ok && s.CurrentStage == pipeline.ExtPlanning
	}, time.Second, 5*time.Millisecond)
}

func TestRunMarksCompletionTerminalOnArtifactRef(t *testing.T) {
	b := memorybroker.New()
	store := newFakeSnapshotStore()
	orc := New(testLogger(t), nil, b, store, Config{StallCheckInterval: time.Hour, StallThreshold: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = orc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	env := pipeline.Envelope{
		RequestID: "r2", Stage: pipeline.StageTest, ProducedAt: time.Now(),
		Payload: pipeline.Payload{ArtifactRef: &pipeline.ArtifactRef{RepoURL: "x", Branch: "req/r2", CommitHash: "abc"}},
	}
	require.NoError(t, b.Publish(ctx, pipeline.TopicCompletion, "r2", env))

	require.Eventually(t, func() bool {
		s, ok := orc.Snapshot("r2")
		return ok && s.Terminal && s.CurrentStage == pipeline.ExtCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestSweepOnceMarksStalledRequests(t *testing.T) {
	orc := New(testLogger(t), nil, memorybroker.New(), newFakeSnapshotStore(), Config{})
	orc.states["r3"] = pipeline.NewPipelineState("r3", time.Now().Add(-time.Hour))

	orc.sweepOnce(time.Now())

	s, ok := orc.Snapshot("r3")
	require.True(t, ok)
	require.True(t, s.Stalled)
}

func TestCancelMarksTerminal(t *testing.T) {
	orc := New(testLogger(t), nil, memorybroker.New(), newFakeSnapshotStore(), Config{})
	orc.Cancel(context.Background(), "r4")

	s, ok := orc.Snapshot("r4")
	require.True(t, ok)
	require.True(t, s.Terminal)
	require.Equal(t, pipeline.ExtCancelled, s.CurrentStage)
}
