package spec

// Map configures the single-path transform: one prompt per record, optionally
// combined across a batch by BatchPrompt, optionally calibrated by a sampled
// pre-pass. Construct it literally, then call Validate before handing it to
// an engine; Validate fills defaults and freezes the spec.
type Map struct {
	Name  string
	Model string

	// Prompt is the per-record template, rendered with {"input": record}.
	// Empty is allowed only for the drop-only fast path.
	Prompt string
	Output *OutputSpec

	// BatchPrompt, when set and the batch holds more than one record, is
	// rendered once with {"inputs": records} to produce prior results that
	// seed the per-record calls.
	BatchPrompt string
	BatchSize   int

	// BatchWorkers bounds concurrent batches; ItemWorkers bounds concurrent
	// records within one batch. The true upper bound on in-flight model
	// invocations is BatchWorkers * ItemWorkers.
	BatchWorkers int
	ItemWorkers  int

	Tools      []Tool
	Validation *ValidationConfig
	Gleaning   *GleaningConfig

	DropKeys       []string
	TimeoutSeconds int
	MaxRetries     int

	// AttachmentKey names a record field holding a URL or path to a binary
	// payload attached to the prompt message. Exclusive with BatchPrompt.
	AttachmentKey string

	SkipOnError   bool
	Observability bool
	FlushPartials bool
	BypassCache   bool

	Calibration      CalibrationConfig
	CompletionKwargs map[string]any

	validated bool
}

func (m *Map) Kind() Kind            { return KindMap }
func (m *Map) TransformName() string { return m.Name }
func (m *Map) Validated() bool       { return m.validated }
func (m *Map) sealed()               {}

// DropOnly reports whether the spec configures no prompt and only drop_keys.
func (m *Map) DropOnly() bool {
	return m.Prompt == "" && len(m.DropKeys) > 0
}

// Validate checks the configuration once, fills defaults, and marks the spec
// immutable-by-convention. Engines reject specs that have not validated.
func (m *Map) Validate() error {
	if m.Name == "" {
		return errf("", "name", "transform name is required")
	}

	if m.Prompt == "" && len(m.DropKeys) == 0 {
		return errf(m.Name, "prompt", "either 'prompt'+'output' or 'drop_keys' must be configured")
	}
	for i, k := range m.DropKeys {
		if k == "" {
			return errf(m.Name, "drop_keys", "entry %d is empty", i)
		}
	}

	if m.Prompt != "" || m.Output != nil {
		if m.Prompt == "" {
			return errf(m.Name, "prompt", "required when 'output' is configured")
		}
		if m.Output == nil {
			return errf(m.Name, "output", "required when 'prompt' is configured")
		}
		if err := m.Output.validate(m.Name); err != nil {
			return err
		}
		if err := checkPrompt(m.Name, "prompt", m.Prompt); err != nil {
			return err
		}
		if err := validateTools(m.Name, m.Tools); err != nil {
			return err
		}
	}

	if m.BatchPrompt != "" {
		if m.AttachmentKey != "" {
			return errf(m.Name, "batch_prompt", "batch prompts do not support attachments")
		}
		if err := checkBatchPrompt(m.Name, m.BatchPrompt); err != nil {
			return err
		}
	}

	if m.Validation != nil {
		if err := m.Validation.Compile(m.Name); err != nil {
			return err
		}
	}
	if m.Gleaning != nil {
		if err := m.Gleaning.validate(m.Name); err != nil {
			return err
		}
	}

	if m.Calibration.SampleSize < 0 {
		return errf(m.Name, "calibration.sample_size", "must be a positive integer, got %d", m.Calibration.SampleSize)
	}
	if m.Calibration.SampleSize == 0 {
		m.Calibration.SampleSize = DefaultCalibrationDocs
	}

	if m.BatchSize < 0 {
		return errf(m.Name, "batch_size", "must not be negative, got %d", m.BatchSize)
	}
	if m.BatchSize == 0 {
		m.BatchSize = DefaultBatchSize
	}
	if m.BatchWorkers <= 0 {
		m.BatchWorkers = 1
	}
	if m.ItemWorkers <= 0 {
		m.ItemWorkers = 1
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if m.MaxRetries < 0 {
		return errf(m.Name, "max_retries", "must not be negative, got %d", m.MaxRetries)
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = DefaultMaxRetries
	}

	m.validated = true
	return nil
}

// CalibrationDisabled returns a copy of the spec with calibration switched
// off, used for the recursive sample run. The copy keeps validated status:
// everything else was already checked.
func (m *Map) CalibrationDisabled() *Map {
	c := *m
	c.Calibration.Enabled = false
	return &c
}

// WithPrompt returns a copy carrying an execution-scoped prompt. The
// calibrator uses this so the augmented prompt never leaks into the shared
// spec across concurrent executions.
func (m *Map) WithPrompt(prompt string) *Map {
	c := *m
	c.Prompt = prompt
	return &c
}
