// Package execution implements ExecutionService (C5): the component
// that actually drives one Agent (or judge, in a ParallelAgents
// branch) invocation to completion — resolving the Runtime handle,
// extracting the agent's JSON result envelope from its raw output,
// validating it against a declared schema, applying the retry policy,
// and recording each attempt as an Iteration.
package execution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/100monkeys/fractal/internal/workflow"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// extractEnvelope pulls a JSON object out of an agent's raw output.
// Agents are expected to emit a bare JSON object, but many wrap it in
// markdown prose with a fenced code block, or emit explanatory text
// before/after the object — both patterns observed constantly in
// practice, so extraction tries, in order: (1) the whole trimmed
// output as JSON, (2) the last fenced ```json block, (3) the last
// balanced {...} substring.
//
// Grounded on station/internal/workflows/runtime/consumer.go's
// extractAgentResult/extractJSONFromMarkdown, which solves the same
// problem for the same reason (LLM-driven agents do not reliably emit
// bare JSON).
func extractEnvelope(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)

	if obj, ok := tryParseObject(trimmed); ok {
		return obj, nil
	}

	if matches := fencedJSONBlock.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		last := matches[len(matches)-1][1]
		if obj, ok := tryParseObject(strings.TrimSpace(last)); ok {
			return obj, nil
		}
	}

	if obj, ok := tryParseObject(lastBalancedObject(raw)); ok {
		return obj, nil
	}

	return nil, fmt.Errorf("%w: no JSON object found in agent output", workflow.ErrProtocolError)
}

func tryParseObject(s string) (map[string]any, bool) {
	if s == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// lastBalancedObject returns the last brace-balanced {...} substring of
// s, or "" if none closes.
func lastBalancedObject(s string) string {
	lastOpen := strings.LastIndex(s, "{")
	for lastOpen != -1 {
		depth := 0
		for i := lastOpen; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[lastOpen : i+1]
				}
			}
		}
		lastOpen = strings.LastIndex(s[:lastOpen], "{")
	}
	return ""
}

// validateEnvelope checks env against an agent's declared output JSON
// Schema, if any. A state with no OutputSchema skips validation
// entirely — schemas are optional metadata, not a requirement.
func validateEnvelope(env map[string]any, schema string) error {
	if schema == "" {
		return nil
	}

	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewGoLoader(env)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("%w: schema validation error: %v", workflow.ErrProtocolError, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", workflow.ErrProtocolError, strings.Join(msgs, "; "))
	}
	return nil
}
