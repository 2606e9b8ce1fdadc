package pipeline

import "encoding/json"

// payloadAlias exists so MarshalJSON/UnmarshalJSON can delegate to the
// struct tags on Payload's known fields without recursing into themselves.
type payloadAlias Payload

// MarshalJSON flattens Extra's preserved unknown keys back alongside the
// known fields, so a payload round-tripped through a version of this binary
// that doesn't know about a newer field still re-emits it on the wire.
func (p Payload) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(payloadAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields normally and stashes any key this
// version of Payload doesn't declare into Extra, per the wire contract's
// "unknown keys are preserved" rule (spec §6).
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = Payload(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := knownPayloadKeys()
	extra := map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		p.Extra = extra
	}
	return nil
}

func knownPayloadKeys() map[string]bool {
	return map[string]bool{
		"intent": true, "constraints": true, "tasks": true,
		"ordered_tasks": true, "dependencies": true, "parallel_groups": true,
		"timeline": true, "risks": true,
		"components": true, "data_model": true, "api_spec": true, "deployment_plan": true,
		"files": true, "repo_hint": true,
		"test_results": true, "coverage": true, "artifact_ref": true,
	}
}
