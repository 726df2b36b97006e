package spec

import (
	"errors"
	"strings"
	"testing"

	"prism/internal/record"
)

func validMap() *Map {
	return &Map{
		Name:   "classify",
		Prompt: "classify: {{.input.text}}",
		Output: &OutputSpec{Schema: OutputSchema{"label": "string"}},
	}
}

func TestMapValidate_OK(t *testing.T) {
	m := validMap()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !m.Validated() {
		t.Error("Validated() should be true after Validate")
	}
	if m.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("timeout default = %d, want %d", m.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if m.BatchSize != DefaultBatchSize {
		t.Errorf("batch size default = %d, want %d", m.BatchSize, DefaultBatchSize)
	}
	if m.Calibration.SampleSize != DefaultCalibrationDocs {
		t.Errorf("sample size default = %d, want %d", m.Calibration.SampleSize, DefaultCalibrationDocs)
	}
}

func TestMapValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Map)
		field  string
	}{
		{"missing name", func(m *Map) { m.Name = "" }, "name"},
		{"no prompt no drop keys", func(m *Map) { m.Prompt = ""; m.Output = nil }, "prompt"},
		{"output without prompt", func(m *Map) { m.Prompt = "" }, "prompt"},
		{"prompt without output", func(m *Map) { m.Output = nil }, "output"},
		{"empty schema", func(m *Map) { m.Output.Schema = OutputSchema{} }, "output.schema"},
		{"bad output mode", func(m *Map) { m.Output.Mode = "freeform" }, "output.mode"},
		{"bad prompt template", func(m *Map) { m.Prompt = "{{.broken" }, "prompt"},
		{"bad batch prompt", func(m *Map) { m.BatchPrompt = "{{range .inputs}}{{end" }, "batch_prompt"},
		{"batch prompt ignores inputs", func(m *Map) { m.BatchPrompt = "{{.solo}}" }, "batch_prompt"},
		{"batch prompt with attachment", func(m *Map) {
			m.BatchPrompt = "{{range .inputs}}x{{end}}"
			m.AttachmentKey = "url"
		}, "batch_prompt"},
		{"tool missing code", func(m *Map) {
			m.Tools = []Tool{{Function: ToolFunction{Name: "f", Description: "d", Parameters: map[string]any{"a": 1}}}}
		}, "tools[0]"},
		{"tool missing function name", func(m *Map) {
			m.Tools = []Tool{{Code: "c", Function: ToolFunction{Description: "d", Parameters: map[string]any{"a": 1}}}}
		}, "tools[0]"},
		{"gleaning zero rounds", func(m *Map) {
			m.Gleaning = &GleaningConfig{Rounds: 0, ValidationPrompt: "fix it"}
		}, "gleaning.num_rounds"},
		{"negative calibration sample", func(m *Map) { m.Calibration.SampleSize = -1 }, "calibration.sample_size"},
		{"bad validation rule", func(m *Map) {
			m.Validation = &ValidationConfig{Rules: []string{"label in ["}}
		}, "validation.rules"},
		{"empty drop key", func(m *Map) { m.DropKeys = []string{""} }, "drop_keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMap()
			tt.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T: %v", err, err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q (err: %v)", ce.Field, tt.field, err)
			}
		})
	}
}

func TestMapValidate_DropOnly(t *testing.T) {
	m := &Map{Name: "strip", DropKeys: []string{"raw"}}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !m.DropOnly() {
		t.Error("DropOnly() should be true")
	}
}

func TestMap_WithPrompt_DoesNotMutate(t *testing.T) {
	m := validMap()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	aug := m.WithPrompt(m.Prompt + "\n\nanchors")
	if m.Prompt == aug.Prompt {
		t.Error("WithPrompt returned the same prompt")
	}
	if !aug.Validated() {
		t.Error("copy should remain validated")
	}
}

func TestMap_CalibrationDisabled(t *testing.T) {
	m := validMap()
	m.Calibration.Enabled = true
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c := m.CalibrationDisabled()
	if c.Calibration.Enabled {
		t.Error("copy should have calibration off")
	}
	if !m.Calibration.Enabled {
		t.Error("original must keep calibration on")
	}
}

func validParallel() *ParallelMap {
	return &ParallelMap{
		Name: "split",
		Facets: []PromptFacet{
			{Prompt: "a: {{.input.id}}", OutputKeys: []string{"a"}},
			{Prompt: "b: {{.input.id}}", OutputKeys: []string{"b"}},
		},
		Output: &OutputSpec{Schema: OutputSchema{"a": "string", "b": "string"}},
	}
}

func TestParallelValidate_OK(t *testing.T) {
	p := validParallel()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Workers != 1 {
		t.Errorf("workers default = %d, want 1", p.Workers)
	}
}

func TestParallelValidate_CoverageGap(t *testing.T) {
	p := validParallel()
	p.Output.Schema["c"] = "string"
	err := p.Validate()
	if err == nil {
		t.Fatal("expected coverage error")
	}
	if !strings.Contains(err.Error(), "not covered") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParallelValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ParallelMap)
	}{
		{"no facets no drop keys", func(p *ParallelMap) { p.Facets = nil; p.Output = nil }},
		{"facet without prompt", func(p *ParallelMap) { p.Facets[0].Prompt = "" }},
		{"facet without output keys", func(p *ParallelMap) { p.Facets[0].OutputKeys = nil }},
		{"facet key outside schema", func(p *ParallelMap) { p.Facets[0].OutputKeys = []string{"zzz"} }},
		{"facet bad template", func(p *ParallelMap) { p.Facets[1].Prompt = "{{.x" }},
		{"missing output", func(p *ParallelMap) { p.Output = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParallel()
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFacetLocalSchema_DefaultsToString(t *testing.T) {
	f := PromptFacet{OutputKeys: []string{"a", "x"}}
	local := f.LocalSchema(OutputSchema{"a": "number"})
	if local["a"] != "number" {
		t.Errorf("a = %q, want number", local["a"])
	}
	if local["x"] != "string" {
		t.Errorf("x = %q, want string default", local["x"])
	}
}

func TestValidationConfig_Check(t *testing.T) {
	v := &ValidationConfig{Rules: []string{`label in ["X", "Y"]`, `len(label) == 1`}}
	if err := v.Compile("t"); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if rule, ok := v.Check(record.Record{"label": "X"}); !ok {
		t.Errorf("expected pass, failed rule %q", rule)
	}
	rule, ok := v.Check(record.Record{"label": "Z"})
	if ok {
		t.Fatal("expected failure for label Z")
	}
	if rule != `label in ["X", "Y"]` {
		t.Errorf("failed rule = %q", rule)
	}

	// Missing field counts as a failed rule, not a run-aborting error.
	if _, ok := v.Check(record.Record{}); ok {
		t.Error("expected failure when field is absent")
	}
}
