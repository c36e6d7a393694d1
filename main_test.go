package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowengine/services/flow"
)

func TestPrintPlan(t *testing.T) {
	input := `{
		"id": "f1",
		"nodes": [
			{"id": "notify", "type": "log", "category": "action"},
			{"id": "start", "type": "webhook", "category": "trigger"},
			{"id": "enrich", "type": "crm_lookup", "category": "data"},
			{"id": "old", "type": "log", "category": "action", "disabled": true}
		],
		"edges": [
			{"sourceId": "start", "sourcePort": "data", "targetId": "enrich", "targetPort": "in"},
			{"sourceId": "enrich", "sourcePort": "out", "targetId": "notify", "targetPort": "in"}
		]
	}`

	var out bytes.Buffer
	require.NoError(t, printPlan(&out, strings.NewReader(input)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "1. start (webhook) [trigger]", lines[0])
	assert.Equal(t, "2. enrich (crm_lookup) [no built-in executor]", lines[1])
	assert.Equal(t, "3. notify (log)", lines[2])
	assert.Equal(t, "4. old (log) [disabled]", lines[3])
}

func TestPrintPlan_Cycle(t *testing.T) {
	input := `{
		"id": "f1",
		"nodes": [
			{"id": "t", "type": "webhook", "category": "trigger"},
			{"id": "a", "type": "log"},
			{"id": "b", "type": "log"}
		],
		"edges": [
			{"sourceId": "t", "targetId": "a"},
			{"sourceId": "a", "targetId": "b"},
			{"sourceId": "b", "targetId": "a"}
		]
	}`

	err := printPlan(&bytes.Buffer{}, strings.NewReader(input))
	assert.ErrorIs(t, err, flow.ErrCycleDetected)
}

func TestPrintPlan_InvalidJSON(t *testing.T) {
	err := printPlan(&bytes.Buffer{}, strings.NewReader("{"))
	assert.Error(t, err)
}
