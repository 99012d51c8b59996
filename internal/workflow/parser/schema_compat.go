package parser

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/100monkeys/fractal/internal/workflow"
)

// checkSchemaCompat warns when an Agent state transitions directly into
// another Agent state whose InputSchema requires fields the upstream
// state's declared OutputSchema does not guarantee. It never fails the
// parse: schemas are optional metadata carried from the agent manifest,
// and a missing schema on either side simply skips the check.
//
// Grounded on station/internal/workflows/schema_checker.go's
// SchemaChecker.CheckCompatibility (required-field and type-compatibility
// checks between an upstream output schema and a downstream input
// schema), narrowed to a required-field subset check and demoted from a
// hard failure to a ValidationIssue per SPEC_FULL.md §4.
func checkSchemaCompat(wf *workflow.Workflow, result *ValidationResult) {
	for name, state := range wf.Spec.States {
		if state.Kind.Tag != workflow.StateKindAgent {
			continue
		}
		upstream := state.Kind.Agent
		if upstream.OutputSchema == "" {
			continue
		}

		for _, t := range state.Transitions {
			if t.Target == "" {
				continue
			}
			target, ok := wf.Spec.States[t.Target]
			if !ok || target.Kind.Tag != workflow.StateKindAgent {
				continue
			}
			downstream := target.Kind.Agent
			if downstream.InputSchema == "" {
				continue
			}

			missing, err := missingRequiredFields(upstream.OutputSchema, downstream.InputSchema)
			if err != nil {
				result.addf("schema_unparsable", "spec.states."+name+".output_schema",
					"ensure output_schema and input_schema are valid JSON Schema documents",
					"could not compare schemas between %q and %q: %v", name, t.Target, err)
				continue
			}
			for _, field := range missing {
				result.addf("schema_incompatible",
					"spec.states."+name+".transitions->"+t.Target,
					"add the field to the upstream output_schema or relax the downstream requirement",
					"%q requires input field %q that %q's output_schema does not guarantee",
					t.Target, field, name)
			}
		}
	}
}

// missingRequiredFields returns the input schema's required properties
// that are absent from the output schema's declared properties. This is
// deliberately shallower than full JSON Schema subtyping (no type-
// compatibility, no nested object walk) — a best-effort compile-time
// hint, not a runtime validator; runtime envelope checking against the
// full schema happens in ExecutionService via the same gojsonschema
// library.
func missingRequiredFields(outputSchema, inputSchema string) ([]string, error) {
	outLoader := gojsonschema.NewStringLoader(outputSchema)
	inLoader := gojsonschema.NewStringLoader(inputSchema)

	outDoc, err := outLoader.LoadJSON()
	if err != nil {
		return nil, err
	}
	inDoc, err := inLoader.LoadJSON()
	if err != nil {
		return nil, err
	}

	outProps := topLevelProperties(outDoc)
	inRequired := requiredFields(inDoc)

	var missing []string
	for _, field := range inRequired {
		if !outProps[field] {
			missing = append(missing, field)
		}
	}
	return missing, nil
}

func topLevelProperties(doc any) map[string]bool {
	props := map[string]bool{}
	m, ok := doc.(map[string]any)
	if !ok {
		return props
	}
	properties, ok := m["properties"].(map[string]any)
	if !ok {
		return props
	}
	for name := range properties {
		props[name] = true
	}
	return props
}

func requiredFields(doc any) []string {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["required"].([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}
