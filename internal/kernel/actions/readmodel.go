package actions

import (
	"encoding/json"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// View is the state/actions read-model projection of one action, with its
// output sanitized for a non-admin observer.
type View struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	State   model.ActionState `json:"state"`
	Output  json.RawMessage   `json:"output,omitempty"`
	Error   string            `json:"error,omitempty"`
	Created string            `json:"created"`
	Updated string            `json:"updated"`
}

// sanitizedOutputKeys are stripped from an action's output object before it
// is exposed on the non-admin read-model: guard/posture are policy-internal
// bookkeeping, and a nested "output" key would leak the tool's unfiltered
// raw return value past whatever the outer result already summarizes.
var sanitizedOutputKeys = []string{"guard", "posture", "output"}

// Sanitize projects a into a View. If a's output is a JSON object, the
// guard/posture/output keys are dropped from it; policy_ctx is never
// exposed on the non-admin read-model at all.
func Sanitize(a model.Action) View {
	v := View{
		ID:      a.ID,
		Kind:    a.Kind,
		State:   a.State,
		Error:   a.Error,
		Created: a.Created,
		Updated: a.Updated,
	}
	v.Output = sanitizeOutput(a.Output)
	return v
}

func sanitizeOutput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Not a JSON object (scalar, array, or malformed) — pass through
		// unchanged; there is nothing object-shaped to strip keys from.
		return raw
	}
	for _, key := range sanitizedOutputKeys {
		delete(fields, key)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
