package flow

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_TimeoutIsMilliseconds(t *testing.T) {
	var schema FlowSchema
	require.NoError(t, json.Unmarshal([]byte(`{"id":"f","settings":{"timeout":5000,"errorHandling":{"continueOnError":true}}}`), &schema))

	assert.Equal(t, 5*time.Second, schema.Settings.Timeout)
	assert.True(t, schema.Settings.ErrorHandling.ContinueOnError)

	body, err := json.Marshal(schema.Settings)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":5000,"errorHandling":{"continueOnError":true}}`, string(body))

	var back Settings
	require.NoError(t, json.Unmarshal(body, &back))
	assert.Equal(t, schema.Settings, back)
}

func TestSettings_FractionalAndZeroTimeout(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":2.5}`), &s))
	assert.Equal(t, 2500*time.Microsecond, s.Timeout)

	body, err := json.Marshal(Settings{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"errorHandling":{"continueOnError":false}}`, string(body))
}

func TestSettings_DecodedTimeoutAppliesToNodes(t *testing.T) {
	e := newTestEngine(t, Config{})

	var schema FlowSchema
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "decoded",
		"settings": {"timeout": 5000},
		"nodes": [
			{"id": "t", "type": "manual", "category": "trigger"},
			{"id": "d", "type": "delay", "category": "action", "config": {"duration_ms": 2}}
		],
		"edges": [{"sourceId": "t", "sourcePort": "data", "targetId": "d", "targetPort": "in"}]
	}`), &schema))

	snap, err := e.ExecuteAndWait(context.Background(), &schema, trigger(nil), nil, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, RunCompleted, snap.Status, "%+v", snap.Error)
	assert.Equal(t, NodeCompleted, snap.NodeStates["d"].Status)
}
