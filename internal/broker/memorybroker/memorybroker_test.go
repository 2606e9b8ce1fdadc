package memorybroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yungbote/devpipe/internal/pipeline"
)

func TestNackWithRequeueRedeliversExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()
	defer b.Close()

	ch, err := b.Subscribe(ctx, pipeline.TopicAnalysis, pipeline.GroupFor(pipeline.StageAnalysis))
	require.NoError(t, err)

	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageAnalysis, Attempt: 1}
	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r1", env))

	first := <-ch
	require.Equal(t, 1, first.Envelope.Attempt)
	first.Nack(true)

	second := <-ch
	require.Equal(t, 2, second.Envelope.Attempt)
	second.Ack()

	select {
	case d := <-ch:
		t.Fatalf("unexpected extra delivery: %+v", d.Envelope)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNackWithoutRequeueDoesNotRedeliver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()
	defer b.Close()

	ch, err := b.Subscribe(ctx, pipeline.TopicAnalysis, pipeline.GroupFor(pipeline.StageAnalysis))
	require.NoError(t, err)

	env := pipeline.Envelope{RequestID: "r1", Stage: pipeline.StageAnalysis, Attempt: 1}
	require.NoError(t, b.Publish(ctx, pipeline.TopicAnalysis, "r1", env))

	d := <-ch
	// Simulates workerrt's DLQ path: the envelope has already been
	// published to dlq.analysis by the caller before this Nack(false).
	d.Nack(false)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected redelivery after Nack(false): %+v", extra.Envelope)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUndecodableMessageIsRoutedToDLQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New()
	defer b.Close()

	// Subscribing registers the group-topic before anything is published to
	// it, same as a worker's Run loop does at startup.
	_, err := b.Subscribe(ctx, pipeline.TopicAnalysis, pipeline.GroupFor(pipeline.StageAnalysis))
	require.NoError(t, err)

	dlqCh, err := b.Subscribe(ctx, pipeline.DLQTopic(pipeline.StageAnalysis), "dlq-reader")
	require.NoError(t, err)

	gt := groupTopic(pipeline.TopicAnalysis, pipeline.GroupFor(pipeline.StageAnalysis))
	bad := message.NewMessage(watermill.NewUUID(), []byte("not-json"))
	require.NoError(t, b.pubsub.Publish(gt, bad))

	select {
	case d := <-dlqCh:
		require.Contains(t, d.Envelope.RequestID, "undecodable-")
		require.NotEmpty(t, d.Envelope.Payload.Extra["decode_error"])
		d.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for undecodable message to reach the DLQ")
	}
}
