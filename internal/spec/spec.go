// Package spec holds the declarative configuration for a transform: what to
// prompt, what shape the output must take, and how failures are retried.
// A spec is validated exactly once, before any record is processed; the
// engines refuse to run an unvalidated spec, so a malformed configuration
// can never surface mid-run.
//
// The package exposes a closed tagged union of two variants: Map (single
// prompt, optionally batch-combined, optionally self-calibrating) and
// ParallelMap (independent prompt facets fused into one record).
package spec

import (
	"fmt"

	"prism/internal/render"
)

// Kind discriminates the two transform variants.
type Kind string

const (
	KindMap         Kind = "map"
	KindParallelMap Kind = "parallel_map"
)

// Transform is the closed union of validated spec variants. Only Map and
// ParallelMap implement it.
type Transform interface {
	Kind() Kind
	TransformName() string
	Validated() bool

	sealed()
}

// Defaults applied during validation when the corresponding field is unset.
const (
	DefaultTimeoutSeconds  = 120
	DefaultMaxRetries      = 2
	DefaultBatchSize       = 1
	DefaultCalibrationDocs = 10
)

// ConfigError reports a malformed spec. It is only ever produced at setup;
// a spec that validated cleanly cannot raise it later.
type ConfigError struct {
	Transform string // transform name, may be empty when the name itself is bad
	Field     string
	Msg       string
}

func (e *ConfigError) Error() string {
	if e.Transform == "" {
		return fmt.Sprintf("spec: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("spec %q: %s: %s", e.Transform, e.Field, e.Msg)
}

func errf(transform, field, format string, args ...any) error {
	return &ConfigError{Transform: transform, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// OutputMode selects how the model is asked for structured output.
type OutputMode string

const (
	// ModeTools requests output through a synthetic tool call.
	ModeTools OutputMode = "tools"
	// ModeStructured requests provider-native structured output.
	ModeStructured OutputMode = "structured_output"
)

// OutputSchema maps output key to its type descriptor (e.g. "string",
// "number", "list[string]"). The key set is the required-key contract a
// produced record must satisfy.
type OutputSchema map[string]string

// Keys returns the schema's key set.
func (s OutputSchema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// OutputSpec couples a schema with the output mode used to obtain it.
type OutputSpec struct {
	Schema OutputSchema `yaml:"schema"`
	Mode   OutputMode   `yaml:"mode"`
}

func (o *OutputSpec) validate(transform string) error {
	if len(o.Schema) == 0 {
		return errf(transform, "output.schema", "must not be empty")
	}
	switch o.Mode {
	case "", ModeTools, ModeStructured:
	default:
		return errf(transform, "output.mode", "unknown mode %q", o.Mode)
	}
	return nil
}

// ToolFunction describes the callable surface of a tool.
type ToolFunction struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Tool is a model-invocable tool the transform may offer. All fields are
// required and checked structurally at validation time.
type Tool struct {
	Code     string       `yaml:"code"`
	Function ToolFunction `yaml:"function"`
}

func (t *Tool) validate(transform string, idx int) error {
	field := fmt.Sprintf("tools[%d]", idx)
	if t.Code == "" {
		return errf(transform, field, "missing required 'code'")
	}
	if t.Function.Name == "" {
		return errf(transform, field, "missing required 'function.name'")
	}
	if t.Function.Description == "" {
		return errf(transform, field, "missing required 'function.description'")
	}
	if len(t.Function.Parameters) == 0 {
		return errf(transform, field, "missing required 'function.parameters'")
	}
	return nil
}

func validateTools(transform string, tools []Tool) error {
	for i := range tools {
		if err := tools[i].validate(transform, i); err != nil {
			return err
		}
	}
	return nil
}

// GleaningConfig bounds the invoker's internal repair loop: after a failed
// validation the invoker may re-prompt with ValidationPrompt up to Rounds
// times per call.
type GleaningConfig struct {
	Rounds           int    `yaml:"num_rounds"`
	ValidationPrompt string `yaml:"validation_prompt"`
}

func (g *GleaningConfig) validate(transform string) error {
	if g.Rounds <= 0 {
		return errf(transform, "gleaning.num_rounds", "must be a positive integer, got %d", g.Rounds)
	}
	if g.ValidationPrompt == "" {
		return errf(transform, "gleaning.validation_prompt", "must not be empty")
	}
	return nil
}

// CalibrationConfig enables the pre-pass that samples inputs and asks the
// model for reference anchors. Sampling is seeded deterministically, so two
// runs over identical input pick the same subset.
type CalibrationConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleSize int  `yaml:"sample_size"`
}

// checkPrompt parses a prompt template at validation time.
func checkPrompt(transform, field, body string) error {
	if err := render.Check(field, body); err != nil {
		return errf(transform, field, "invalid template: %v", err)
	}
	return nil
}

// checkBatchPrompt parses the batch-combining template and probes it against
// an empty inputs list, rejecting templates that reference variables other
// than the per-batch "inputs" context.
func checkBatchPrompt(transform, body string) error {
	if err := render.Check("batch_prompt", body); err != nil {
		return errf(transform, "batch_prompt", "invalid template: %v", err)
	}
	if _, err := render.Render("batch_prompt", body, map[string]any{"inputs": []any{}}); err != nil {
		return errf(transform, "batch_prompt", "template must render against an 'inputs' list: %v", err)
	}
	return nil
}
