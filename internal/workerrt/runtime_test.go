package workerrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/broker/memorybroker"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
	"github.com/yungbote/devpipe/internal/platform/backoff"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

type fakeHandler struct {
	stage  pipeline.Stage
	fn     func(context.Context, pipeline.Envelope) (pipeline.Envelope, error)
	called int
}

func (f *fakeHandler) Stage() pipeline.Stage { return f.stage }
func (f *fakeHandler) Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
	f.called++
	return f.fn(ctx, env)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func TestRunnerPublishesToNextStageOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := memorybroker.New()
	defer b.Close()

	handler := &fakeHandler{
		stage: pipeline.StageAnalysis,
		fn: func(_ context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
			return env.WithNextStage(pipeline.StagePlanning, "worker-1", time.Now()), nil
		},
	}
	m := observability.New()
	runner := NewRunner(b, handler, testLogger(t), m, NewDedupe(100), Config{MaxAttempts: 3, Backoff: backoff.Policy{Min: time.Millisecond, Max: time.Millisecond, Factor: 2, Jitter: 0}})

	go runner.Run(ctx)

	planningCh, err := b.Subscribe(ctx, pipeline.TopicPlanning, pipeline.GroupFor(pipeline.StagePlanning))
	require.NoError(t, err)

	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageAnalysis, Attempt: 1}
	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r1", env))

	select {
	case d := <-planningCh:
		require.Equal(t, pipeline.StagePlanning, d.Envelope.Stage)
		require.Equal(t, "r1", d.Envelope.RequestID)
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for planning delivery")
	}
}

func TestRunnerRoutesPoisonValidationFailureToDLQWithoutCallingHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := memorybroker.New()
	defer b.Close()

	handler := &fakeHandler{
		stage: pipeline.StageAnalysis,
		fn: func(_ context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
			return env, nil
		},
	}
	m := observability.New()
	runner := NewRunner(b, handler, testLogger(t), m, NewDedupe(100), Config{})

	go runner.Run(ctx)

	dlqCh, err := b.Subscribe(ctx, pipeline.DLQTopic(pipeline.StageAnalysis), "dlq-reader")
	require.NoError(t, err)

	// Wrong stage on the envelope fails ValidateStructure before Handle runs.
	bad := pipeline.Envelope{RequestID: "r2", Stage: pipeline.StagePlanning, Attempt: 1}
	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r2", bad))

	select {
	case d := <-dlqCh:
		require.Equal(t, "r2", d.Envelope.RequestID)
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DLQ delivery")
	}
	require.Equal(t, 0, handler.called)
}

func TestRunnerRetriesTransientFailureBeforeGivingUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := memorybroker.New()
	defer b.Close()

	handler := &fakeHandler{
		stage: pipeline.StageAnalysis,
		fn: func(_ context.Context, env pipeline.Envelope) (pipeline.Envelope, error) {
			return env, apperr.New(apperr.TransientExternal, string(pipeline.StageAnalysis), errors.New("boom"))
		},
	}
	m := observability.New()
	runner := NewRunner(b, handler, testLogger(t), m, NewDedupe(100), Config{
		MaxAttempts: 2,
		Backoff:     backoff.Policy{Min: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0},
	})

	go runner.Run(ctx)

	dlqCh, err := b.Subscribe(ctx, pipeline.DLQTopic(pipeline.StageAnalysis), "dlq-reader")
	require.NoError(t, err)

	env := pipeline.Envelope{RequestID: "r3", Stage: pipeline.StageAnalysis, Attempt: 1}
	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r3", env))

	select {
	case d := <-dlqCh:
		require.Equal(t, "r3", d.Envelope.RequestID)
		d.Ack()
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for DLQ delivery after exhausted retries")
	}
	require.GreaterOrEqual(t, handler.called, 2)
}
