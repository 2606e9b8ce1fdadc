// Package orchestrator implements component C6: a single-consumer-group
// broker subscriber that folds every envelope and completion/failure event
// into an in-memory per-request state machine, replacing the teacher's
// row-polling DAGEngine (internal/jobs/orchestrator/{engine,dag}.go) with
// event replay — the orchestrator holds no state not derivable by replaying
// the broker's retained offset (spec invariant 4).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/devpipe/internal/broker"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

// Config tunes the stall sweeper. Defaults mirror spec.md §4.6.
type Config struct {
	StallCheckInterval time.Duration
	StallThreshold     time.Duration
}

func (c Config) withDefaults() Config {
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = 30 * time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Minute
	}
	return c
}

// DashboardEvent is the bounded projection emitted on every state
// transition, per spec.md §4.6 "Emission" — counts and sizes only, never
// the full payload.
type DashboardEvent struct {
	RequestID string                  `json:"request_id"`
	From      pipeline.ExtendedStage  `json:"from"`
	To        pipeline.ExtendedStage  `json:"to"`
	At        time.Time               `json:"at"`
	Summary   pipeline.StageSummary   `json:"stage_payload_summary"`
	Stalled   bool                    `json:"stalled,omitempty"`
	Snapshot  bool                    `json:"snapshot,omitempty"`
	State     *pipeline.PipelineState `json:"state,omitempty"`
}

// SnapshotStore persists PipelineState for restart acceleration only — it
// is never consulted to decide correctness, only to pre-seed the in-memory
// map before replay catches up (spec.md §4.6 "Recovery").
type SnapshotStore interface {
	Save(ctx context.Context, state *pipeline.PipelineState) error
	LoadAll(ctx context.Context) ([]*pipeline.PipelineState, error)
}

// Orchestrator owns the single authoritative in-memory view of every
// request's pipeline progress. Run's consume loop, the stall sweeper and
// Cancel mutate states, each while holding mu; everything else — the
// dashboard hub, HTTP status reads — goes through Snapshot or the Events
// channel, both safe for concurrent use.
type Orchestrator struct {
	log     *logger.Logger
	metrics *observability.Metrics
	broker  broker.Broker
	store   SnapshotStore
	cfg     Config

	mu     sync.RWMutex
	states map[string]*pipeline.PipelineState

	Events chan DashboardEvent
}

func New(log *logger.Logger, metrics *observability.Metrics, b broker.Broker, store SnapshotStore, cfg Config) *Orchestrator {
	return &Orchestrator{
		log:     log.With("component", "orchestrator"),
		metrics: metrics,
		broker:  b,
		store:   store,
		cfg:     cfg.withDefaults(),
		states:  make(map[string]*pipeline.PipelineState),
		Events:  make(chan DashboardEvent, 1024),
	}
}

// topics returns every topic the orchestrator observes: all five stage
// input topics plus completion and failure, per spec.md §4.6's "Subscribes
// to every stage topic and to tasks.completion and orchestration.failures."
func topics() []string {
	ts := make([]string, 0, len(pipeline.Ordered)+2)
	for _, s := range pipeline.Ordered {
		ts = append(ts, pipeline.TopicFor(s))
	}
	return append(ts, pipeline.TopicCompletion, pipeline.TopicOrchFailure)
}

// Run subscribes to every topic under OrchestratorGroup, replays any
// snapshot rows to pre-seed state, and folds deliveries until ctx is
// cancelled. It also starts the stall sweeper goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.loadSnapshots(ctx); err != nil {
		o.log.Warn("snapshot preload failed, continuing from empty state", "error", err)
	}

	chans := make([]<-chan broker.Delivery, 0, len(topics()))
	for _, topic := range topics() {
		ch, err := o.broker.Subscribe(ctx, topic, pipeline.OrchestratorGroup)
		if err != nil {
			return err
		}
		chans = append(chans, ch)
	}

	merged := merge(ctx, chans...)

	go o.sweepStalls(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-merged:
			if !ok {
				return nil
			}
			o.fold(ctx, d)
		}
	}
}

// merge fans multiple delivery channels into one, closing the output when
// ctx is cancelled or every input channel has closed.
func merge(ctx context.Context, in ...<-chan broker.Delivery) <-chan broker.Delivery {
	out := make(chan broker.Delivery)
	var wg sync.WaitGroup
	wg.Add(len(in))
	for _, c := range in {
		go func(c <-chan broker.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-c:
					if !ok {
						return
					}
					select {
					case out <- d:
					case <-ctx.Done():
						return
					}
				}
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (o *Orchestrator) fold(ctx context.Context, d broker.Delivery) {
	env := d.Envelope
	now := time.Now()

	o.mu.Lock()
	state, known := o.states[env.RequestID]
	if !known {
		state = pipeline.NewPipelineState(env.RequestID, now)
		o.states[env.RequestID] = state
	}
	from := state.CurrentStage

	failed := isFailureEnvelope(env)
	completed := env.Stage == pipeline.StageTest && !failed && hasCompletionMarker(env)

	switch {
	case failed:
		state.Fail(now, from, failureReason(env))
	case completed:
		state.Complete(now, env.Payload.ArtifactRef)
	default:
		to := pipeline.ExtendedStage(env.Stage)
		if state.CurrentStage == to {
			state.RecordAttempt(now)
		} else {
			state.AdvanceTo(to, now)
		}
	}
	to := state.CurrentStage
	summary := pipeline.Summarize(env.Payload)
	snap := *state
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.OrchestratorTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if err := o.store.Save(ctx, &snap); err != nil {
		o.log.Warn("snapshot save failed", "request_id", env.RequestID, "error", err)
	}

	o.emit(DashboardEvent{RequestID: env.RequestID, From: from, To: to, At: now, Summary: summary})
	d.Ack()
}

func (o *Orchestrator) emit(evt DashboardEvent) {
	select {
	case o.Events <- evt:
	default:
		o.log.Warn("dashboard event dropped, Events channel full", "request_id", evt.RequestID)
	}
}

// sweepStalls runs every StallCheckInterval, marking any non-terminal
// request whose LastEventAt predates StallThreshold, per spec.md §4.6
// "Stall detection".
func (o *Orchestrator) sweepStalls(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sweepOnce(now)
		}
	}
}

func (o *Orchestrator) sweepOnce(now time.Time) {
	o.mu.Lock()
	var stalled []DashboardEvent
	for id, state := range o.states {
		if state.Terminal || state.Stalled {
			continue
		}
		if now.Sub(state.LastEventAt) > o.cfg.StallThreshold {
			state.MarkStalled()
			if o.metrics != nil {
				o.metrics.OrchestratorStalls.WithLabelValues(string(state.CurrentStage)).Inc()
			}
			stalled = append(stalled, DashboardEvent{
				RequestID: id,
				From:      state.CurrentStage,
				To:        state.CurrentStage,
				At:        now,
				Stalled:   true,
			})
		}
	}
	o.mu.Unlock()
	for _, evt := range stalled {
		o.emit(evt)
	}
}

// Snapshot returns a defensive copy of the current state for RequestID, and
// whether it was known.
func (o *Orchestrator) Snapshot(requestID string) (pipeline.PipelineState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.states[requestID]
	if !ok {
		return pipeline.PipelineState{}, false
	}
	return *s, true
}

// SnapshotAll returns a defensive copy of every known state, for the
// dashboard hub's "snapshot" response on client connect (spec.md §4.8) and
// the gateway's GET /requests listing.
func (o *Orchestrator) SnapshotAll() []pipeline.PipelineState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]pipeline.PipelineState, 0, len(o.states))
	for _, s := range o.states {
		out = append(out, *s)
	}
	return out
}

// Cancel marks requestID cancelled, honored per spec §5 "Cancellation &
// timeouts": in-flight worker output for this request is discarded by the
// orchestrator going forward, not by the worker itself.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) bool {
	o.mu.Lock()
	state, ok := o.states[requestID]
	if !ok {
		state = pipeline.NewPipelineState(requestID, time.Now())
		o.states[requestID] = state
	}
	state.Cancel(time.Now())
	snap := *state
	o.mu.Unlock()

	if err := o.store.Save(ctx, &snap); err != nil {
		o.log.Warn("snapshot save failed on cancel", "request_id", requestID, "error", err)
	}
	o.emit(DashboardEvent{RequestID: requestID, To: pipeline.ExtCancelled, At: time.Now()})
	return true
}

func (o *Orchestrator) loadSnapshots(ctx context.Context) error {
	states, err := o.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, s := range states {
		o.states[s.RequestID] = s
	}
	o.mu.Unlock()
	for _, s := range states {
		o.emit(DashboardEvent{RequestID: s.RequestID, To: s.CurrentStage, At: s.LastEventAt, Snapshot: true, State: s})
	}
	return nil
}

func isFailureEnvelope(env pipeline.Envelope) bool {
	_, ok := env.Payload.Extra["error"]
	return ok
}

func failureReason(env pipeline.Envelope) string {
	raw, ok := env.Payload.Extra["error"]
	if !ok {
		return ""
	}
	return string(raw)
}

func hasCompletionMarker(env pipeline.Envelope) bool {
	return env.Payload.ArtifactRef != nil
}
