package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Built-in node types.
const (
	TypeLog         = "log"
	TypeSetVariable = "set_variable"
	TypeDelay       = "delay"
	TypeHTTPRequest = "http_request"
	TypeCondition   = "condition"
	TypeMerge       = "merge"
)

// BuiltinCategory returns the category of a built-in node type, and false for
// custom types.
func BuiltinCategory(nodeType string) (NodeCategory, bool) {
	switch nodeType {
	case TypeLog, TypeHTTPRequest, TypeDelay:
		return CategoryAction, true
	case TypeCondition:
		return CategoryLogic, true
	case TypeSetVariable, TypeMerge:
		return CategoryData, true
	default:
		return "", false
	}
}

// LogExecutor handles the "log" node type. It writes a message, with
// {{port}} placeholders replaced by input values, to the node log.
type LogExecutor struct{}

func (e *LogExecutor) Type() string { return TypeLog }

func (e *LogExecutor) Execute(_ context.Context, ec ExecutionContext, config map[string]any) error {
	message := configString(config, "message")
	if message == "" {
		return fmt.Errorf("%s: message is required", TypeLog)
	}

	inputs := ec.Inputs()
	pairs := make([]string, 0, len(inputs)*2)
	for port, v := range inputs {
		pairs = append(pairs, "{{"+port+"}}", fmt.Sprint(v))
	}
	message = strings.NewReplacer(pairs...).Replace(message)

	ec.Log(parseLevel(configString(config, "level")), message, nil)
	ec.SetOutput("message", message)
	return nil
}

// SetVariableExecutor handles the "set_variable" node type. It stores a
// constant or an input value in the run-scoped variables.
type SetVariableExecutor struct{}

func (e *SetVariableExecutor) Type() string { return TypeSetVariable }

func (e *SetVariableExecutor) Execute(_ context.Context, ec ExecutionContext, config map[string]any) error {
	name := configString(config, "name")
	if name == "" {
		return fmt.Errorf("%s: name is required", TypeSetVariable)
	}

	value := config["value"]
	if port := configString(config, "fromInput"); port != "" {
		v, ok := ec.GetInput(port)
		if !ok {
			return fmt.Errorf("%s: input %q not set", TypeSetVariable, port)
		}
		value = v
	}

	ec.SetVariable(name, value)
	ec.SetOutput("value", value)
	return nil
}

// DelayExecutor handles the "delay" node type.
type DelayExecutor struct{}

func (e *DelayExecutor) Type() string { return TypeDelay }

func (e *DelayExecutor) Execute(ctx context.Context, ec ExecutionContext, config map[string]any) error {
	var d time.Duration
	if sec, ok := toFloat64(config["duration_sec"]); ok && sec > 0 {
		d = time.Duration(sec * float64(time.Second))
	} else if ms, ok := toFloat64(config["duration_ms"]); ok && ms > 0 {
		d = time.Duration(ms * float64(time.Millisecond))
	} else {
		return fmt.Errorf("%s: duration_sec or duration_ms required", TypeDelay)
	}

	if err := ec.Sleep(ctx, d); err != nil {
		return err
	}
	ec.SetOutput("duration_ms", d.Milliseconds())
	return nil
}

// HTTPRequestExecutor handles the "http_request" node type through the
// context's HTTP capability.
type HTTPRequestExecutor struct{}

func (e *HTTPRequestExecutor) Type() string { return TypeHTTPRequest }

func (e *HTTPRequestExecutor) Execute(ctx context.Context, ec ExecutionContext, config map[string]any) error {
	url := configString(config, "url")
	if v, ok := ec.GetInput("url"); ok {
		if s, isString := v.(string); isString && s != "" {
			url = s
		}
	}
	if url == "" {
		return fmt.Errorf("%s: url is required", TypeHTTPRequest)
	}

	req := HTTPRequest{
		Method:  configString(config, "method"),
		URL:     url,
		Headers: configStringMap(config, "headers"),
		Body:    config["body"],
	}
	if v, ok := ec.GetInput("body"); ok && v != nil {
		req.Body = v
	}
	if ms, ok := toFloat64(config["timeout_ms"]); ok && ms > 0 {
		req.Timeout = time.Duration(ms * float64(time.Millisecond))
	}

	resp, err := ec.HTTP().Request(ctx, req)
	if resp != nil {
		ec.SetOutput("status", resp.Status)
		ec.SetOutput("headers", resp.Headers)
		ec.SetOutput("body", resp.Body)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", TypeHTTPRequest, err)
	}
	return nil
}

// ConditionExecutor handles the "condition" node type. It compares a numeric
// input against a configured threshold and writes the outcome to "result"
// and to the matching "true"/"false" branch port.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Type() string { return TypeCondition }

func (e *ConditionExecutor) Execute(_ context.Context, ec ExecutionContext, config map[string]any) error {
	port := configString(config, "input")
	if port == "" {
		port = "value"
	}
	raw, ok := ec.GetInput(port)
	if !ok {
		return fmt.Errorf("%s: input %q not set", TypeCondition, port)
	}
	value, ok := toFloat64(raw)
	if !ok {
		return fmt.Errorf("%s: input %q is not a number", TypeCondition, port)
	}
	threshold, ok := toFloat64(config["threshold"])
	if !ok {
		return fmt.Errorf("%s: threshold must be a number", TypeCondition)
	}
	operator := configString(config, "operator")
	if _, known := operatorSymbols[operator]; !known {
		return fmt.Errorf("%s: unknown operator %q", TypeCondition, operator)
	}

	result := evaluateCondition(value, operator, threshold)
	ec.SetOutput("result", result)
	ec.SetOutput("expression", fmt.Sprintf("%.1f %s %.1f", value, operatorSymbols[operator], threshold))
	ec.SetOutput(fmt.Sprint(result), raw)
	return nil
}

// MergeExecutor handles the "merge" node type. It deep-merges every
// map-valued input, in port name order, into a single "merged" output.
type MergeExecutor struct{}

func (e *MergeExecutor) Type() string { return TypeMerge }

func (e *MergeExecutor) Execute(_ context.Context, ec ExecutionContext, _ map[string]any) error {
	inputs := ec.Inputs()
	ports := make([]string, 0, len(inputs))
	for port := range inputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)

	merged := make(map[string]any)
	for _, port := range ports {
		m, ok := inputs[port].(map[string]any)
		if !ok {
			continue
		}
		if err := mergo.Merge(&merged, copyMap(m), mergo.WithOverride); err != nil {
			return fmt.Errorf("%s: merge input %q: %w", TypeMerge, port, err)
		}
	}
	ec.SetOutput("merged", merged)
	return nil
}

var operatorSymbols = map[string]string{
	"greater_than":          ">",
	"less_than":             "<",
	"equals":                "=",
	"greater_than_or_equal": ">=",
	"less_than_or_equal":    "<=",
}

// evaluateCondition compares value against threshold using the given operator.
// Both values are rounded to 1 decimal place to avoid floating-point precision issues.
func evaluateCondition(value float64, operator string, threshold float64) bool {
	v := math.Round(value*10) / 10
	th := math.Round(threshold*10) / 10

	switch operator {
	case "greater_than":
		return v > th
	case "less_than":
		return v < th
	case "equals":
		return v == th
	case "greater_than_or_equal":
		return v >= th
	case "less_than_or_equal":
		return v <= th
	default:
		return false
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func configStringMap(config map[string]any, key string) map[string]string {
	switch m := config[key].(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// toFloat64 converts an any value to float64, handling the numeric types
// produced by JSON decoding and Go literals.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
