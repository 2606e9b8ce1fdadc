// Package memorybroker is an in-process broker.Broker backed by Watermill's
// gochannel pub/sub. It exists so workers, the orchestrator, and the gateway
// can be exercised in tests without a live Redis instance, while still
// running real Watermill publish/subscribe/ack code paths end to end.
package memorybroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/pipeline"
)

type Broker struct {
	mu  sync.Mutex
	pubsub *gochannel.GoChannel
	// gochannel has no notion of consumer groups; we emulate per-group
	// fan-out by giving each (topic, group) pair its own underlying
	// gochannel topic name, so replicas sharing a group compete for the
	// same subscription while independent groups (e.g. orchestrator-group)
	// get their own copy of every message.
	subs map[string]bool
}

func New() *Broker {
	return &Broker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     true,
			BlockPublishUntilSubscriberAck: false,
		}, watermill.NopLogger{}),
		subs: map[string]bool{},
	}
}

func groupTopic(topic, group string) string { return topic + "::" + group }

func (b *Broker) Publish(ctx context.Context, topic string, key string, env pipeline.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("memorybroker: marshal envelope: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("key", key)
	msg.SetContext(ctx)

	b.mu.Lock()
	groups := b.groupsForTopic(topic)
	b.mu.Unlock()
	if len(groups) == 0 {
		// No subscribers yet; publish to the bare topic so a subscriber that
		// shows up later (gochannel is not persistent across restarts, but
		// is durable for the lifetime of this process) still has somewhere
		// to read from once it subscribes to its own group topic.
		return b.pubsub.Publish(topic, msg)
	}
	for _, gt := range groups {
		clone := msg.Copy()
		if err := b.pubsub.Publish(gt, clone); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) groupsForTopic(topic string) []string {
	var out []string
	prefix := topic + "::"
	for gt := range b.subs {
		if len(gt) > len(prefix) && gt[:len(prefix)] == prefix {
			out = append(out, gt)
		}
	}
	return out
}

func (b *Broker) Subscribe(ctx context.Context, topic string, group string) (<-chan broker.Delivery, error) {
	gt := groupTopic(topic, group)
	b.mu.Lock()
	isNew := !b.subs[gt]
	b.subs[gt] = true
	b.mu.Unlock()

	msgs, err := b.pubsub.Subscribe(ctx, gt)
	if err != nil {
		return nil, fmt.Errorf("memorybroker: subscribe %s: %w", gt, err)
	}
	if isNew {
		// Move whatever was published to the bare topic before this group
		// existed onto the group topic.
		backlog, err := b.pubsub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("memorybroker: subscribe %s: %w", topic, err)
		}
		go func() {
			for m := range backlog {
				_ = b.pubsub.Publish(gt, m.Copy())
				m.Ack()
			}
		}()
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for msg := range msgs {
			var env pipeline.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				if stage, ok := pipeline.StageFromTopic(topic); ok {
					dlqEnv := pipeline.PoisonEnvelope(stage, msg.UUID, msg.Payload, err)
					_ = b.Publish(ctx, pipeline.DLQTopic(stage), msg.UUID, dlqEnv)
				}
				msg.Ack()
				continue
			}
			m := msg
			d := broker.NewDelivery(env, m.UUID,
				func() { m.Ack() },
				func(requeue bool) {
					if requeue {
						env.Attempt++
						data, merr := json.Marshal(env)
						if merr == nil {
							redelivered := message.NewMessage(watermill.NewUUID(), data)
							redelivered.Metadata = m.Metadata
							_ = b.pubsub.Publish(gt, redelivered)
						}
					}
					// The adapter owns redelivery via the republish above (or,
					// on requeue=false, the caller has already durably recorded
					// this message at dlq.<stage>); ack the original either way
					// so gochannel never redelivers it itself on top of that.
					m.Ack()
				},
			)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) Close() error {
	return b.pubsub.Close()
}
