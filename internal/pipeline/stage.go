package pipeline

import (
	"encoding/json"
	"fmt"
)

// Stage is one of the five pipeline phases, each handled by its own worker.
type Stage string

const (
	StageAnalysis  Stage = "analysis"
	StagePlanning  Stage = "planning"
	StageBlueprint Stage = "blueprint"
	StageCode      Stage = "code"
	StageTest      Stage = "test"
)

// wireStageNames maps the internal Code/Test constants to the names spec §6
// documents for the wire format ("coding"/"testing"); every other stage's
// wire name matches its Go constant.
var wireStageNames = map[Stage]string{
	StageCode: "coding",
	StageTest: "testing",
}

var stageFromWireName = map[string]Stage{
	"coding":  StageCode,
	"testing": StageTest,
}

// MarshalJSON emits the wire contract's stage names, not the Go constants.
func (s Stage) MarshalJSON() ([]byte, error) {
	if name, ok := wireStageNames[s]; ok {
		return json.Marshal(name)
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts either the wire contract's stage names or the Go
// constant spellings, so envelopes produced by either stay readable.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	if st, ok := stageFromWireName[raw]; ok {
		*s = st
		return nil
	}
	*s = Stage(raw)
	return nil
}

// Ordered is the fixed stage sequence every request walks through.
var Ordered = []Stage{StageAnalysis, StagePlanning, StageBlueprint, StageCode, StageTest}

// Index returns s's position in Ordered, or -1 if s isn't a pipeline stage.
func Index(s Stage) int {
	for i, st := range Ordered {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s, and false if s is the last stage.
func Next(s Stage) (Stage, bool) {
	i := Index(s)
	if i < 0 || i == len(Ordered)-1 {
		return "", false
	}
	return Ordered[i+1], true
}

// Valid reports whether s is one of the five known pipeline stages.
func Valid(s Stage) bool { return Index(s) >= 0 }

// Topic names are fixed by the wire contract. Note the topic names for the
// code and test stages ("coding"/"testing") differ from the Stage enum's Go
// constant spellings ("code"/"test"); Stage's MarshalJSON/UnmarshalJSON use
// the "coding"/"testing" spellings on the wire, and TopicFor/StageFromTopic
// below translate between stages and topic names.
const (
	TopicAnalysis    = "tasks.analysis"
	TopicPlanning    = "tasks.planning"
	TopicBlueprint   = "tasks.blueprint"
	TopicCoding      = "tasks.coding"
	TopicTesting     = "tasks.testing"
	TopicCompletion  = "tasks.completion"
	TopicOrchEvents  = "orchestration.events"
	TopicOrchFailure = "orchestration.failures"
	dlqPrefix        = "dlq."
)

// TopicFor returns the input topic a stage's worker consumes from.
func TopicFor(s Stage) string {
	switch s {
	case StageAnalysis:
		return TopicAnalysis
	case StagePlanning:
		return TopicPlanning
	case StageBlueprint:
		return TopicBlueprint
	case StageCode:
		return TopicCoding
	case StageTest:
		return TopicTesting
	default:
		return ""
	}
}

// StageFromTopic is the inverse of TopicFor.
func StageFromTopic(topic string) (Stage, bool) {
	switch topic {
	case TopicAnalysis:
		return StageAnalysis, true
	case TopicPlanning:
		return StagePlanning, true
	case TopicBlueprint:
		return StageBlueprint, true
	case TopicCoding:
		return StageCode, true
	case TopicTesting:
		return StageTest, true
	default:
		return "", false
	}
}

// PublishTopicFor returns the topic a stage's worker publishes its successor
// envelope to: the next stage's input topic, or TopicCompletion for the last
// stage.
func PublishTopicFor(s Stage) string {
	next, ok := Next(s)
	if !ok {
		return TopicCompletion
	}
	return TopicFor(next)
}

// GroupFor returns the consumer group name a stage's worker replicas share.
func GroupFor(s Stage) string { return string(s) + "-agent-group" }

// OrchestratorGroup is the independent consumer group the orchestrator uses
// so it observes every message on every topic without competing with stage
// workers for deliveries.
const OrchestratorGroup = "orchestrator-group"

// DLQTopic returns the dead-letter topic for stage s.
func DLQTopic(s Stage) string { return dlqPrefix + string(s) }
