package spec

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a single YAML scalar or a sequence of strings.
// drop_keys and validate are commonly written as a bare string.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	}
	var vs []string
	if err := node.Decode(&vs); err != nil {
		return err
	}
	*s = StringList(vs)
	return nil
}

// yamlDoc mirrors the declarative transform document. One shape covers both
// variants; the "type" field discriminates.
type yamlDoc struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Model string `yaml:"model"`

	Prompt       string `yaml:"prompt"`
	BatchPrompt  string `yaml:"batch_prompt"`
	BatchSize    int    `yaml:"batch_size"`
	BatchWorkers int    `yaml:"batch_workers"`
	ItemWorkers  int    `yaml:"item_workers"`
	Workers      int    `yaml:"workers"`

	Output *OutputSpec `yaml:"output"`
	Tools  []Tool      `yaml:"tools"`

	Validate   StringList      `yaml:"validate"`
	NumRetries int             `yaml:"num_retries_on_validate_failure"`
	Gleaning   *GleaningConfig `yaml:"gleaning"`

	DropKeys   StringList `yaml:"drop_keys"`
	Timeout    int        `yaml:"timeout"`
	MaxRetries int        `yaml:"max_retries_per_timeout"`

	Calibrate          bool `yaml:"calibrate"`
	NumCalibrationDocs int  `yaml:"num_calibration_docs"`

	Observability bool   `yaml:"enable_observability"`
	AttachmentKey string `yaml:"attachment_key"`
	SkipOnError   bool   `yaml:"skip_on_error"`
	FlushPartials bool   `yaml:"flush_partial_results"`
	BypassCache   bool   `yaml:"bypass_cache"`

	CompletionKwargs map[string]any `yaml:"completion_kwargs"`

	Prompts []PromptFacet `yaml:"prompts"`
}

// ParseYAML parses a declarative transform document into a validated spec
// variant. The returned Transform is ready for an engine.
func ParseYAML(data []byte) (Transform, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse transform document: %w", err)
	}

	switch doc.Type {
	case "", string(KindMap):
		m := &Map{
			Name:             doc.Name,
			Model:            doc.Model,
			Prompt:           doc.Prompt,
			Output:           doc.Output,
			BatchPrompt:      doc.BatchPrompt,
			BatchSize:        doc.BatchSize,
			BatchWorkers:     doc.BatchWorkers,
			ItemWorkers:      doc.ItemWorkers,
			Tools:            doc.Tools,
			Gleaning:         doc.Gleaning,
			DropKeys:         doc.DropKeys,
			TimeoutSeconds:   doc.Timeout,
			MaxRetries:       doc.MaxRetries,
			AttachmentKey:    doc.AttachmentKey,
			SkipOnError:      doc.SkipOnError,
			Observability:    doc.Observability,
			FlushPartials:    doc.FlushPartials,
			BypassCache:      doc.BypassCache,
			CompletionKwargs: doc.CompletionKwargs,
			Calibration: CalibrationConfig{
				Enabled:    doc.Calibrate,
				SampleSize: doc.NumCalibrationDocs,
			},
		}
		if len(doc.Validate) > 0 {
			m.Validation = &ValidationConfig{Rules: doc.Validate, Budget: doc.NumRetries}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil

	case string(KindParallelMap):
		p := &ParallelMap{
			Name:             doc.Name,
			Model:            doc.Model,
			Facets:           doc.Prompts,
			Output:           doc.Output,
			Workers:          doc.Workers,
			DropKeys:         doc.DropKeys,
			TimeoutSeconds:   doc.Timeout,
			MaxRetries:       doc.MaxRetries,
			AttachmentKey:    doc.AttachmentKey,
			SkipOnError:      doc.SkipOnError,
			Observability:    doc.Observability,
			BypassCache:      doc.BypassCache,
			CompletionKwargs: doc.CompletionKwargs,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, errf(doc.Name, "type", "unknown transform type %q", doc.Type)
	}
}
