package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProvenanceEntry records that a stage touched this envelope. Entries are
// appended, never rewritten — the provenance list is the envelope's audit
// trail and the thing worker validation uses to reject out-of-order
// deliveries.
type ProvenanceEntry struct {
	Stage      Stage     `json:"stage"`
	ProducedAt time.Time `json:"produced_at"`
	WorkerID   string    `json:"worker_id"`
}

// Correlation carries optional tracing context across the wire so a
// consuming worker can continue the same trace the producer started.
type Correlation struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Payload is the cumulative, strictly-additive content carried by an
// envelope. Every stage transform reads the fields earlier stages set and
// adds its own; it never rewrites a field a prior stage set. Fields are
// pointers/slices so a partially-filled payload (e.g. one that has only
// reached planning) serializes without emitting the later stages' zero
// values.
type Payload struct {
	// analysis
	Intent      string   `json:"intent,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks,omitempty"`

	// planning
	OrderedTaskIDs    []string        `json:"ordered_tasks,omitempty"`
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	ParallelGroups    [][]string      `json:"parallel_groups,omitempty"`
	Timeline          []TimelineEntry `json:"timeline,omitempty"`
	Risks             []string        `json:"risks,omitempty"`

	// blueprint
	Components     []Component `json:"components,omitempty"`
	DataModel      string      `json:"data_model,omitempty"`
	APISpec        string      `json:"api_spec,omitempty"`
	DeploymentPlan string      `json:"deployment_plan,omitempty"`

	// code
	Files    map[string]string `json:"files,omitempty"`
	RepoHint string            `json:"repo_hint,omitempty"`

	// test
	TestResults *TestResults `json:"test_results,omitempty"`
	Coverage    float64      `json:"coverage,omitempty"`
	ArtifactRef *ArtifactRef `json:"artifact_ref,omitempty"`

	// Extra preserves any wire keys this version of the struct doesn't know
	// about, so forward-compatible producers/consumers don't drop data.
	Extra map[string]json.RawMessage `json:"-"`
}

// TimelineEntry is one scheduled slot produced by the planning transform.
type TimelineEntry struct {
	TaskID    string `json:"task_id"`
	Level     int    `json:"level"`
	StartHint string `json:"start_hint,omitempty"`
}

// Component is one architectural unit produced by the blueprint transform.
type Component struct {
	Name         string   `json:"name"`
	Responsibility string `json:"responsibility"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// TestResults summarizes the opaque test-runner side channel's outcome.
type TestResults struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Log    string `json:"log,omitempty"`
}

// ArtifactRef is the handle C2 (the artifact store) returns once a request's
// final file set is committed. Written exactly once per successfully
// completed request, by the test stage.
type ArtifactRef struct {
	RepoURL    string   `json:"repo_url"`
	Branch     string   `json:"branch"`
	CommitHash string   `json:"commit_hash"`
	Paths      []string `json:"paths"`
}

// Envelope is the wire message carried between stages over the broker.
type Envelope struct {
	RequestID   string      `json:"request_id"`
	Stage       Stage       `json:"stage"`
	Attempt     int         `json:"attempt"`
	ProducedAt  time.Time   `json:"produced_at"`
	Payload     Payload     `json:"payload"`
	Provenance  []ProvenanceEntry `json:"provenance"`
	Correlation *Correlation      `json:"correlation,omitempty"`
}

// WithNextStage returns a copy of e advanced to the next stage: attempt reset
// to 1 and a provenance entry appended for the stage that just finished. The
// envelope e itself is left untouched — callers pass the handler's input
// envelope here to get the message to publish downstream, never mutate e
// in place.
func (e Envelope) WithNextStage(next Stage, workerID string, producedAt time.Time) Envelope {
	out := e
	out.Stage = next
	out.Attempt = 1
	out.ProducedAt = producedAt
	out.Provenance = append(append([]ProvenanceEntry{}, e.Provenance...), ProvenanceEntry{
		Stage:      e.Stage,
		ProducedAt: producedAt,
		WorkerID:   workerID,
	})
	return out
}

// ValidateStructure checks the structural invariants §4.4 step 2 requires
// before a worker invokes its transform: request id present, stage matches
// the worker's configured input stage, attempt is positive, and every
// provenance entry precedes the envelope's own stage in pipeline order.
func (e Envelope) ValidateStructure(expectedStage Stage) error {
	if e.RequestID == "" {
		return fmt.Errorf("envelope missing request_id")
	}
	if e.Stage != expectedStage {
		return fmt.Errorf("envelope stage %q does not match expected input stage %q", e.Stage, expectedStage)
	}
	if e.Attempt < 1 {
		return fmt.Errorf("envelope attempt %d must be >= 1", e.Attempt)
	}
	expectedIdx := Index(expectedStage)
	prev := -1
	for _, p := range e.Provenance {
		idx := Index(p.Stage)
		if idx < 0 {
			return fmt.Errorf("provenance entry references unknown stage %q", p.Stage)
		}
		if idx <= prev {
			return fmt.Errorf("provenance out of order: %q does not strictly follow prior entry", p.Stage)
		}
		if idx >= expectedIdx {
			return fmt.Errorf("provenance entry %q does not precede envelope stage %q", p.Stage, e.Stage)
		}
		prev = idx
	}
	return nil
}

// PoisonEnvelope builds a synthetic envelope for a message a broker adapter
// could not decode as JSON, so it can still be published to dlq.<stage>
// instead of being silently dropped (spec §4.4 step 1: reject undecodable
// envelopes to the DLQ rather than discard them).
func PoisonEnvelope(stage Stage, tag string, raw []byte, cause error) Envelope {
	errJSON, _ := json.Marshal(cause.Error())
	rawJSON, _ := json.Marshal(string(raw))
	return Envelope{
		RequestID:  "undecodable-" + tag,
		Stage:      stage,
		Attempt:    1,
		ProducedAt: time.Now(),
		Provenance: []ProvenanceEntry{},
		Payload: Payload{
			Extra: map[string]json.RawMessage{
				"decode_error": errJSON,
				"raw_payload":  rawJSON,
			},
		},
	}
}
