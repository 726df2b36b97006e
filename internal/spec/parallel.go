package spec

import "fmt"

// PromptFacet is one independent prompt within a parallel map: its template,
// the subset of schema keys it produces, and optional per-facet overrides.
type PromptFacet struct {
	Prompt     string          `yaml:"prompt"`
	OutputKeys []string        `yaml:"output_keys"`
	Model      string          `yaml:"model"`
	Tools      []Tool          `yaml:"tools"`
	Gleaning   *GleaningConfig `yaml:"gleaning"`
}

// LocalSchema resolves the facet's output keys against the full schema. A
// key the schema does not type explicitly defaults to a generic string.
func (f *PromptFacet) LocalSchema(full OutputSchema) OutputSchema {
	local := make(OutputSchema, len(f.OutputKeys))
	for _, k := range f.OutputKeys {
		if t, ok := full[k]; ok {
			local[k] = t
		} else {
			local[k] = "string"
		}
	}
	return local
}

// ParallelMap configures the multi-facet transform: every record fans out
// into one task per facet, and all facet outputs fuse into one record.
type ParallelMap struct {
	Name  string
	Model string

	Facets []PromptFacet
	Output *OutputSpec

	// Workers bounds the single flat pool over all record-facet tasks.
	Workers int

	DropKeys       []string
	TimeoutSeconds int
	MaxRetries     int
	AttachmentKey  string

	SkipOnError   bool
	Observability bool
	BypassCache   bool

	CompletionKwargs map[string]any

	validated bool
}

func (p *ParallelMap) Kind() Kind            { return KindParallelMap }
func (p *ParallelMap) TransformName() string { return p.Name }
func (p *ParallelMap) Validated() bool       { return p.validated }
func (p *ParallelMap) sealed()               {}

// DropOnly reports whether the spec configures no facets and only drop_keys.
func (p *ParallelMap) DropOnly() bool {
	return len(p.Facets) == 0 && len(p.DropKeys) > 0
}

// Validate checks the configuration once, including the facet coverage
// invariant: every facet's output keys must be a non-empty subset of the
// schema, and their union must cover the schema exactly.
func (p *ParallelMap) Validate() error {
	if p.Name == "" {
		return errf("", "name", "transform name is required")
	}

	if len(p.Facets) == 0 && len(p.DropKeys) == 0 {
		return errf(p.Name, "prompts", "either 'prompts' or 'drop_keys' must be configured")
	}
	for i, k := range p.DropKeys {
		if k == "" {
			return errf(p.Name, "drop_keys", "entry %d is empty", i)
		}
	}

	if len(p.Facets) > 0 {
		if p.Output == nil {
			return errf(p.Name, "output", "required when 'prompts' is configured")
		}
		if err := p.Output.validate(p.Name); err != nil {
			return err
		}

		covered := make(map[string]struct{})
		for i := range p.Facets {
			f := &p.Facets[i]
			field := fmt.Sprintf("prompts[%d]", i)
			if f.Prompt == "" {
				return errf(p.Name, field, "missing required 'prompt'")
			}
			if err := checkPrompt(p.Name, field+".prompt", f.Prompt); err != nil {
				return err
			}
			if len(f.OutputKeys) == 0 {
				return errf(p.Name, field, "'output_keys' must not be empty")
			}
			for _, k := range f.OutputKeys {
				if _, ok := p.Output.Schema[k]; !ok {
					return errf(p.Name, field, "output key %q is not in the output schema", k)
				}
				covered[k] = struct{}{}
			}
			if err := validateTools(p.Name, f.Tools); err != nil {
				return err
			}
			if f.Gleaning != nil {
				if err := f.Gleaning.validate(p.Name); err != nil {
					return err
				}
			}
		}

		var missing []string
		for k := range p.Output.Schema {
			if _, ok := covered[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return errf(p.Name, "prompts", "output schema keys not covered by any prompt: %v", missing)
		}
	}

	if p.Workers <= 0 {
		p.Workers = 1
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if p.MaxRetries < 0 {
		return errf(p.Name, "max_retries", "must not be negative, got %d", p.MaxRetries)
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}

	p.validated = true
	return nil
}
