// Package broker defines the durable publish/consume contract (C1) every
// stage worker and the orchestrator are built against. Concrete adapters
// live in redisbroker (Watermill + Redis Streams, for real deployments) and
// memorybroker (an in-process fake for tests).
package broker

import (
	"context"

	"github.com/yungbote/devpipe/internal/pipeline"
)

// Delivery is one message pulled off a topic: the decoded envelope plus the
// ack/nack decision the consumer must make before moving on.
type Delivery struct {
	Envelope pipeline.Envelope

	// Tag is an opaque, adapter-specific identifier for this delivery — used
	// only for logging/metrics correlation, never compared across adapters.
	Tag string

	ack  func()
	nack func(requeue bool)
}

// Ack confirms the delivery was fully handled (successor published, or a
// terminal failure recorded) and may be discarded. Per the broker contract,
// a worker must ack only after those side effects are complete (spec §4.1).
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack reports the delivery failed. requeue=true asks the broker to
// redeliver (with an incremented Envelope.Attempt); requeue=false drops it
// from the normal topic — callers are responsible for having already
// written it to the stage's DLQ topic via Publish.
func (d Delivery) Nack(requeue bool) {
	if d.nack != nil {
		d.nack(requeue)
	}
}

// NewDelivery lets adapter packages construct a Delivery without exporting
// the ack/nack closures as public fields.
func NewDelivery(env pipeline.Envelope, tag string, ack func(), nack func(requeue bool)) Delivery {
	return Delivery{Envelope: env, Tag: tag, ack: ack, nack: nack}
}

// Broker is the contract every stage worker, the orchestrator, and the
// gateway depend on. Implementations must make messages durable and deliver
// at-least-once; Publish and the Ack of whatever triggered it need not be
// atomic — idempotency at the consumer is what makes that safe (spec §4.1).
type Broker interface {
	// Publish sends env to topic, partitioned by key (request_id) so that
	// per-request ordering within a single topic is preserved.
	Publish(ctx context.Context, topic string, key string, env pipeline.Envelope) error

	// Subscribe returns a channel of Deliveries for topic within group. Two
	// subscribers in the same group load-balance the topic's deliveries;
	// two subscribers in different groups (e.g. a stage worker's group and
	// the orchestrator's group) each see every message independently.
	//
	// The returned channel closes when ctx is cancelled or the underlying
	// adapter's connection is closed; callers should range over it.
	Subscribe(ctx context.Context, topic string, group string) (<-chan Delivery, error)

	// Close releases all adapter resources. Safe to call once, after every
	// Subscribe consumer has stopped ranging over its channel.
	Close() error
}
