// Package workerrt is the generic consume-transform-publish runtime every
// stage worker (analysis, planning, blueprint, code, test) is built on top
// of. It owns the decisions the broker itself stays agnostic to: idempotency
// short-circuiting, retry-with-backoff, and dead-lettering on exhausted
// attempts or a Poison classification — grounded on the claim/dispatch/
// heartbeat shape of the teacher's internal/jobs/worker/worker.go, adapted
// from a SQL-claim loop to a broker-subscription loop.
package workerrt

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
	"github.com/yungbote/devpipe/internal/platform/backoff"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

var tracer = otel.Tracer("devpipe/workerrt")

// Handler implements one stage's transform: given a validated inbound
// envelope, produce the envelope to publish to the next stage (or to the
// completion topic, for the final stage). Handlers are pure with respect to
// the runtime; all broker/ack/retry/DLQ mechanics live here, not in them.
type Handler interface {
	Stage() pipeline.Stage
	Handle(ctx context.Context, env pipeline.Envelope) (pipeline.Envelope, error)
}

// Config tunes one Runner.
type Config struct {
	WorkerID    string
	MaxAttempts int
	Backoff     backoff.Policy
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Runner subscribes a Handler's stage topic and drives the durable
// consume-transform-publish-ack loop spec.md §6 describes.
type Runner struct {
	broker  broker.Broker
	handler Handler
	log     *logger.Logger
	metrics *observability.Metrics
	dedupe  *Dedupe
	cfg     Config
}

func NewRunner(b broker.Broker, h Handler, log *logger.Logger, m *observability.Metrics, dedupe *Dedupe, cfg Config) *Runner {
	return &Runner{
		broker:  b,
		handler: h,
		log:     log.With("component", "workerrt", "stage", string(h.Stage())),
		metrics: m,
		dedupe:  dedupe,
		cfg:     cfg.withDefaults(),
	}
}

// Run subscribes to the handler's stage topic under that stage's consumer
// group and fans deliveries out to Concurrency worker goroutines sharing the
// delivery channel, via errgroup — generalizing the teacher's Start()/
// runLoop() fixed-goroutine-pool shape to a shared channel, since here the
// broker does the work-distribution a DB claim query used to do.
func (r *Runner) Run(ctx context.Context) error {
	stage := r.handler.Stage()
	topic := pipeline.TopicFor(stage)
	group := pipeline.GroupFor(stage)

	deliveries, err := r.broker.Subscribe(ctx, topic, group)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					r.process(gctx, d)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (r *Runner) process(ctx context.Context, d broker.Delivery) {
	stage := r.handler.Stage()
	env := d.Envelope

	ctx, span := tracer.Start(ctx, "workerrt.process."+string(stage))
	defer span.End()

	r.metrics.StageMessagesConsumed.WithLabelValues(string(stage)).Inc()

	if err := env.ValidateStructure(stage); err != nil {
		r.dlq(ctx, env, apperr.New(apperr.Poison, string(stage), err))
		d.Nack(false)
		return
	}

	key := Key(env)
	if r.dedupe.Seen(key) {
		r.metrics.DedupeHits.WithLabelValues(string(stage)).Inc()
		d.Ack()
		return
	}

	start := time.Now()
	next, err := r.handler.Handle(ctx, env)
	r.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if err != nil {
		r.handleFailure(ctx, d, env, err)
		return
	}

	if perr := r.publishNext(ctx, env, next); perr != nil {
		r.handleFailure(ctx, d, env, apperr.Wrap(apperr.TransientExternal, string(stage), perr))
		return
	}

	r.dedupe.Record(key)
	r.metrics.StageMessagesAcked.WithLabelValues(string(stage)).Inc()
	d.Ack()
}

func (r *Runner) handleFailure(ctx context.Context, d broker.Delivery, env pipeline.Envelope, err error) {
	stage := r.handler.Stage()
	kind := apperr.KindOf(err)
	r.metrics.StageMessagesNacked.WithLabelValues(string(stage), string(kind)).Inc()

	if apperr.Retryable(kind) && env.Attempt < r.cfg.MaxAttempts {
		r.metrics.StageRetries.WithLabelValues(string(stage)).Inc()
		delay := r.cfg.Backoff.Compute(env.Attempt)
		r.log.Warn("stage transform failed, will retry", "request_id", env.RequestID, "attempt", env.Attempt, "kind", kind, "delay", delay, "error", err)
		time.Sleep(delay)
		d.Nack(true)
		return
	}

	r.log.Error("stage transform exhausted retries or hit a non-retryable error, routing to DLQ", "request_id", env.RequestID, "attempt", env.Attempt, "kind", kind, "error", err)
	r.dlq(ctx, env, err)
	d.Nack(false)
}

func (r *Runner) dlq(ctx context.Context, env pipeline.Envelope, err error) {
	stage := r.handler.Stage()
	r.metrics.StageMessagesDLQed.WithLabelValues(string(stage), string(apperr.KindOf(err))).Inc()
	dlqEnv := env
	dlqEnv.Payload.Extra = withError(env.Payload.Extra, err)
	if perr := r.broker.Publish(ctx, pipeline.DLQTopic(stage), env.RequestID, dlqEnv); perr != nil {
		r.log.Error("failed to publish to DLQ, message is lost", "request_id", env.RequestID, "stage", stage, "error", perr)
	}
	r.publishFailureEvent(ctx, env, err)
}

// publishNext sends the handler's output envelope to the next stage's topic,
// or to the completion topic if stage is the last one. The orchestrator
// observes this same publish directly (it subscribes to every stage topic
// under its own consumer group), so PipelineState is reconstructed purely by
// replay without a separate shadow topic.
func (r *Runner) publishNext(ctx context.Context, prev, next pipeline.Envelope) error {
	publishTopic := pipeline.PublishTopicFor(r.handler.Stage())
	return r.broker.Publish(ctx, publishTopic, next.RequestID, next)
}

func (r *Runner) publishFailureEvent(ctx context.Context, env pipeline.Envelope, err error) {
	failEnv := env
	failEnv.Payload.Extra = withError(env.Payload.Extra, err)
	if perr := r.broker.Publish(ctx, pipeline.TopicOrchFailure, env.RequestID, failEnv); perr != nil {
		r.log.Error("failed to publish failure event", "request_id", env.RequestID, "error", perr)
	}
}
