package workerrt

import "encoding/json"

// withError stashes a failure's message into an envelope's Extra passthrough
// map under "error", for the DLQ and orchestration.failures consumers to
// surface without needing a first-class Payload field for something that
// should never appear on the happy path.
func withError(extra map[string]json.RawMessage, err error) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	msg, _ := json.Marshal(err.Error())
	out["error"] = msg
	return out
}
