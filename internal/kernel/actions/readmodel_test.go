package actions

import (
	"encoding/json"
	"testing"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsGuardPostureAndOutputKeys(t *testing.T) {
	a := model.Action{
		ID:    "a1",
		Kind:  "fs.read",
		State: model.ActionCompleted,
		Output: json.RawMessage(`{
			"result": "file contents",
			"guard": {"denied": []},
			"posture": "relaxed",
			"output": {"raw": "everything"}
		}`),
	}

	v := Sanitize(a)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(v.Output, &fields))
	assert.Contains(t, fields, "result")
	assert.NotContains(t, fields, "guard")
	assert.NotContains(t, fields, "posture")
	assert.NotContains(t, fields, "output")
}

func TestSanitizePassesThroughNonObjectOutputUnchanged(t *testing.T) {
	a := model.Action{ID: "a2", Output: json.RawMessage(`"plain string result"`)}
	v := Sanitize(a)
	assert.Equal(t, json.RawMessage(`"plain string result"`), v.Output)
}

func TestSanitizeHandlesEmptyOutput(t *testing.T) {
	a := model.Action{ID: "a3"}
	v := Sanitize(a)
	assert.Nil(t, v.Output)
}
