// Package parser implements WorkflowParser (C2): YAML deserialization of
// the Station-profile-derived workflow manifest into workflow.Workflow,
// plus the validation pipeline spec §4.1 describes.
//
// Grounded on station/internal/workflows/loader.go (file-level loading
// and checksum) and validator.go (two-pass id-then-semantics validation,
// ValidationIssue/ValidationResult shape, kept near verbatim).
package parser

import "time"

// manifest is the raw YAML shape of a workflow manifest before it is
// lowered into workflow.Workflow. Field names track spec §6's grammar.
type manifest struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Metadata   manifestMetadata   `yaml:"metadata"`
	Spec       manifestSpec       `yaml:"spec"`
}

type manifestMetadata struct {
	Name            string            `yaml:"name"`
	Version         string            `yaml:"version"`
	Labels          map[string]string `yaml:"labels"`
	StrictTemplates bool              `yaml:"strict_templates"`
}

type manifestSpec struct {
	InitialState string                    `yaml:"initial_state"`
	States       map[string]manifestState  `yaml:"states"`
	Context      map[string]any            `yaml:"context"`
	Storage      *manifestStorage          `yaml:"storage"`
}

type manifestStorage struct {
	Name         string `yaml:"name"`
	StorageClass struct {
		Type string `yaml:"type"`
		TTL  string `yaml:"ttl"`
	} `yaml:"storage_class"`
	SizeLimit int64 `yaml:"size_limit"`
}

type manifestState struct {
	Kind        string                  `yaml:"kind"`
	Timeout     string                  `yaml:"timeout"`
	Transitions []manifestTransition    `yaml:"transitions"`

	// Agent
	AgentRef      string `yaml:"agent_ref"`
	InputTemplate string `yaml:"input_template"`
	Isolation     string `yaml:"isolation"`
	InputSchema   string `yaml:"input_schema"`
	OutputSchema  string `yaml:"output_schema"`

	// System
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`

	// Human
	Prompt          string  `yaml:"prompt"`
	DefaultResponse *string `yaml:"default_response"`

	// ParallelAgents
	Agents    []manifestParallelAgent `yaml:"agents"`
	Consensus manifestConsensus       `yaml:"consensus"`
}

type manifestParallelAgent struct {
	AgentRef      string  `yaml:"agent_ref"`
	InputTemplate string  `yaml:"input_template"`
	Weight        float64 `yaml:"weight"`
	Isolation     string  `yaml:"isolation"`
}

type manifestConsensus struct {
	Strategy  string  `yaml:"strategy"`
	Threshold float64 `yaml:"threshold"`
	N         int     `yaml:"n"`
}

type manifestTransition struct {
	Condition manifestCondition `yaml:"condition"`
	Target    string            `yaml:"target"`
	Feedback  string            `yaml:"feedback"`
}

type manifestCondition struct {
	Kind string `yaml:"kind"`

	ExitCode        int32   `yaml:"exit_code"`
	Score           float64 `yaml:"score"`
	ScoreLow        float64 `yaml:"score_low"`
	ScoreHigh       float64 `yaml:"score_high"`
	Confidence      float64 `yaml:"confidence"`
	Threshold       float64 `yaml:"threshold"`
	Agreement       float64 `yaml:"agreement"`
	Key             string  `yaml:"key"`
	Value           any     `yaml:"value"`
	Input           string  `yaml:"input"`
	Expression      string  `yaml:"expression"`
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
