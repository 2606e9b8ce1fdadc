package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidateStructureRejectsWrongStage(t *testing.T) {
	t.Parallel()
	e := Envelope{RequestID: "r1", Stage: StagePlanning, Attempt: 1}
	require.Error(t, e.ValidateStructure(StageAnalysis))
}

func TestEnvelopeValidateStructureRequiresProvenanceToPrecede(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := Envelope{
		RequestID: "r1",
		Stage:     StageCode,
		Attempt:   1,
		Provenance: []ProvenanceEntry{
			{Stage: StageAnalysis, ProducedAt: now},
			{Stage: StagePlanning, ProducedAt: now},
			{Stage: StageBlueprint, ProducedAt: now},
		},
	}
	require.NoError(t, e.ValidateStructure(StageCode))
}

func TestEnvelopeValidateStructureRejectsOutOfOrderProvenance(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := Envelope{
		RequestID: "r1",
		Stage:     StageCode,
		Attempt:   1,
		Provenance: []ProvenanceEntry{
			{Stage: StagePlanning, ProducedAt: now},
			{Stage: StageAnalysis, ProducedAt: now},
		},
	}
	require.Error(t, e.ValidateStructure(StageCode))
}

func TestEnvelopeWithNextStageAppendsProvenanceAndResetsAttempt(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := Envelope{RequestID: "r1", Stage: StageAnalysis, Attempt: 3}
	next := e.WithNextStage(StagePlanning, "worker-1", now)
	require.Equal(t, StagePlanning, next.Stage)
	require.Equal(t, 1, next.Attempt)
	require.Len(t, next.Provenance, 1)
	require.Equal(t, StageAnalysis, next.Provenance[0].Stage)
	// original is untouched
	require.Equal(t, 3, e.Attempt)
	require.Len(t, e.Provenance, 0)
}

func TestPayloadRoundTripPreservesUnknownKeys(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"intent":"build a thing","future_field":{"x":1}}`)
	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, "build a thing", p.Intent)
	require.Contains(t, p.Extra, "future_field")

	out, err := json.Marshal(p)
	require.NoError(t, err)
	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	require.Contains(t, roundTripped, "future_field")
}
