package pipeline

import "time"

// ExtendedStage adds the terminal/pre-pipeline states to the five transform
// stages, for use in PipelineState.CurrentStage.
type ExtendedStage string

const (
	ExtSubmitted ExtendedStage = "submitted"
	ExtAnalysis  ExtendedStage = ExtendedStage(StageAnalysis)
	ExtPlanning  ExtendedStage = ExtendedStage(StagePlanning)
	ExtBlueprint ExtendedStage = ExtendedStage(StageBlueprint)
	ExtCode      ExtendedStage = ExtendedStage(StageCode)
	ExtTest      ExtendedStage = ExtendedStage(StageTest)
	ExtCompleted ExtendedStage = "completed"
	ExtFailed    ExtendedStage = "failed"
	ExtCancelled ExtendedStage = "cancelled"
)

func extendedOrder() map[ExtendedStage]int {
	m := map[ExtendedStage]int{ExtSubmitted: 0}
	for i, s := range Ordered {
		m[ExtendedStage(s)] = i + 1
	}
	return m
}

// StageHistoryEntry is one entry in PipelineState.StageHistory.
type StageHistoryEntry struct {
	Stage       ExtendedStage `json:"stage"`
	EnteredAt   time.Time     `json:"entered_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Attempts    int           `json:"attempts"`
}

// PipelineState is the orchestrator's reconstructed view of a single
// request. It holds no authoritative state not derivable by replaying the
// broker's event stream in publish order (invariant 4, spec §3).
type PipelineState struct {
	RequestID     string              `json:"request_id"`
	CurrentStage  ExtendedStage       `json:"current_stage"`
	StageHistory  []StageHistoryEntry `json:"stage_history"`
	LastEventAt   time.Time           `json:"last_event_at"`
	Terminal      bool                `json:"terminal"`
	Stalled       bool                `json:"stalled"`
	Duplicates    int                 `json:"duplicates"`
	FailureReason string              `json:"failure_reason,omitempty"`
	FailedStage   ExtendedStage       `json:"failed_stage,omitempty"`
	ArtifactRef   *ArtifactRef        `json:"artifact_ref,omitempty"`
}

// NewPipelineState seeds a fresh state at "submitted" the moment the
// orchestrator sees the first envelope for a request_id it has never
// observed — per the boundary behavior in spec §8: "creates a fresh state at
// submitted → N, not at N alone".
func NewPipelineState(requestID string, at time.Time) *PipelineState {
	return &PipelineState{
		RequestID:    requestID,
		CurrentStage: ExtSubmitted,
		StageHistory: []StageHistoryEntry{{Stage: ExtSubmitted, EnteredAt: at, Attempts: 1}},
		LastEventAt:  at,
	}
}

// AdvanceTo applies an observed transition to `to`, arriving via a message
// on a stage topic at time `at`. It enforces invariant 1 (strictly
// monotonic, following analysis→planning→blueprint→code→test→completed) and
// invariant 3 (no backwards transitions — attempts to regress leave state
// unchanged and increment Duplicates) from spec §3.
func (s *PipelineState) AdvanceTo(to ExtendedStage, at time.Time) {
	if s.Terminal {
		s.Duplicates++
		return
	}
	order := extendedOrder()
	curIdx, curKnown := order[s.CurrentStage]
	toIdx, toKnown := order[to]
	if !toKnown {
		// completed/failed/cancelled are handled by Complete/Fail/Cancel, not AdvanceTo.
		s.Duplicates++
		return
	}
	if curKnown && toIdx <= curIdx {
		s.Duplicates++
		return
	}
	s.closeCurrent(at)
	s.CurrentStage = to
	s.StageHistory = append(s.StageHistory, StageHistoryEntry{Stage: to, EnteredAt: at, Attempts: 1})
	s.LastEventAt = at
	s.Stalled = false
}

// RecordAttempt increments the attempts counter on the current (last)
// history entry, used when a late duplicate for the same stage is observed
// rather than a forward transition.
func (s *PipelineState) RecordAttempt(at time.Time) {
	if len(s.StageHistory) == 0 {
		return
	}
	s.StageHistory[len(s.StageHistory)-1].Attempts++
	s.LastEventAt = at
	s.Stalled = false
}

func (s *PipelineState) closeCurrent(at time.Time) {
	if len(s.StageHistory) == 0 {
		return
	}
	last := &s.StageHistory[len(s.StageHistory)-1]
	if last.CompletedAt == nil {
		t := at
		last.CompletedAt = &t
	}
}

// Complete marks the request completed (terminal), attaching the artifact
// ref produced by the test stage.
func (s *PipelineState) Complete(at time.Time, ref *ArtifactRef) {
	if s.Terminal {
		s.Duplicates++
		return
	}
	s.closeCurrent(at)
	s.CurrentStage = ExtCompleted
	s.Terminal = true
	s.LastEventAt = at
	s.ArtifactRef = ref
}

// Fail marks the request failed (terminal) at the given stage with reason.
func (s *PipelineState) Fail(at time.Time, atStage ExtendedStage, reason string) {
	if s.Terminal {
		s.Duplicates++
		return
	}
	s.closeCurrent(at)
	s.CurrentStage = ExtFailed
	s.FailedStage = atStage
	s.FailureReason = reason
	s.Terminal = true
	s.LastEventAt = at
}

// Cancel marks the request cancelled (terminal); in-flight worker output for
// this request is discarded by the orchestrator going forward (spec §8 S5).
func (s *PipelineState) Cancel(at time.Time) {
	if s.Terminal {
		s.Duplicates++
		return
	}
	s.closeCurrent(at)
	s.CurrentStage = ExtCancelled
	s.Terminal = true
	s.LastEventAt = at
}

// MarkStalled sets the Stalled flag without altering CurrentStage — it's a
// flag, not a transition (spec §4.6).
func (s *PipelineState) MarkStalled() { s.Stalled = true }

// StageSummary is the bounded, non-sensitive projection of a payload used in
// dashboard events — counts and sizes only, never the full payload (spec
// §4.6 "Emission").
type StageSummary struct {
	TaskCount      int `json:"task_count,omitempty"`
	FileCount      int `json:"file_count,omitempty"`
	ComponentCount int `json:"component_count,omitempty"`
}

// Summarize projects a Payload down to StageSummary.
func Summarize(p Payload) StageSummary {
	return StageSummary{
		TaskCount:      len(p.Tasks),
		FileCount:      len(p.Files),
		ComponentCount: len(p.Components),
	}
}
