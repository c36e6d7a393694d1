package flow

// SampleFlowID identifies the flow seeded into an empty database.
const SampleFlowID = "550e8400-e29b-41d4-a716-446655440000"

// SampleFlow returns a small temperature-alert flow: the trigger payload is a
// temperature reading, which is stored, compared against a threshold and logged.
func SampleFlow() *FlowSchema {
	return &FlowSchema{
		ID:            SampleFlowID,
		Name:          "Temperature Alert",
		TriggerNodeID: "start",
		Nodes: []Node{
			{ID: "start", Type: "webhook", Category: CategoryTrigger, Label: "Reading received"},
			{
				ID: "read-temp", Type: TypeSetVariable, Category: CategoryData, Label: "Store temperature",
				Config: map[string]any{"name": "temperature", "fromInput": "reading"},
			},
			{
				ID: "check", Type: TypeCondition, Category: CategoryLogic, Label: "Above threshold?",
				Config: map[string]any{"operator": "greater_than", "threshold": 30.0},
			},
			{
				ID: "report", Type: TypeLog, Category: CategoryAction, Label: "Report",
				Config: map[string]any{"message": "temperature {{temperature}} above threshold: {{alert}}"},
			},
		},
		Edges: []Edge{
			{ID: "e1", SourceID: "start", SourcePort: "data", TargetID: "read-temp", TargetPort: "reading"},
			{ID: "e2", SourceID: "read-temp", SourcePort: "value", TargetID: "check", TargetPort: "value"},
			{ID: "e3", SourceID: "check", SourcePort: "result", TargetID: "report", TargetPort: "alert"},
			{ID: "e4", SourceID: "read-temp", SourcePort: "value", TargetID: "report", TargetPort: "temperature"},
		},
	}
}
