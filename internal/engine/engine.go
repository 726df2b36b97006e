// Package engine executes validated transform specs over record
// collections. Two engines exist: Map (one prompt per record, optionally
// batch-combined and self-calibrating) and ParallelMap (independent prompt
// facets fused into one output record). Both run bounded worker pools and
// consume completed work strictly in submission order, so output ordering,
// cost accumulation, and checkpoint flushing are deterministic even though
// execution is concurrent.
package engine

import (
	"context"
	"fmt"

	"log/slog"

	"prism/internal/checkpoint"
	"prism/internal/fetch"
	"prism/internal/invoke"
	"prism/internal/logging"
	"prism/internal/record"
	"prism/internal/spec"
)

// Options carries the external collaborators an engine needs. Only Invoker
// is required (unless the spec is drop-only); the rest default to the
// in-repo implementations.
type Options struct {
	Invoker invoke.Invoker
	Parser  invoke.ResponseParser
	Fetcher fetch.Fetcher
	Sink    checkpoint.Sink
	Logger  *slog.Logger
}

func (o *Options) fill(component string, needInvoker bool) error {
	if needInvoker && o.Invoker == nil {
		return fmt.Errorf("engine: model invoker is required")
	}
	if o.Parser == nil {
		o.Parser = &invoke.JSONParser{}
	}
	if o.Fetcher == nil {
		o.Fetcher = fetch.NewClient()
	}
	if o.Sink == nil {
		o.Sink = checkpoint.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logging.New(component)
	}
	return nil
}

// InputDataError reports a record missing its configured attachment key, or
// a failed attachment fetch. Fatal unless skip_on_error demotes it.
type InputDataError struct {
	Key    string
	Source string
	Err    error
}

func (e *InputDataError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("input data: attachment key %q not found in record", e.Key)
	}
	return fmt.Sprintf("input data: attachment %q (key %q): %v", e.Source, e.Key, e.Err)
}

func (e *InputDataError) Unwrap() error { return e.Err }

// CancelledError signals that the execution's cancellation flag was observed
// before an invocation started. Work already in flight is not interrupted,
// but nothing further starts.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// checkCancelled polls the cooperative cancellation flag. Called before
// every item and facet invocation.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &CancelledError{Err: err}
	}
	return nil
}

// templateContext wraps one record as the per-item render context.
func templateContext(rec record.Record) map[string]any {
	return map[string]any{"input": map[string]any(rec)}
}

// batchContext wraps a batch of records as the batch-prompt render context.
func batchContext(items []record.Record) map[string]any {
	inputs := make([]any, len(items))
	for i, it := range items {
		inputs[i] = map[string]any(it)
	}
	return map[string]any{"inputs": inputs}
}

// attach resolves the configured attachment key on a record and loads the
// payload onto the message.
func attach(ctx context.Context, f fetch.Fetcher, key string, rec record.Record, msg *invoke.Message) error {
	raw, ok := rec[key]
	if !ok {
		return &InputDataError{Key: key}
	}
	source, ok := raw.(string)
	if !ok || source == "" {
		return &InputDataError{Key: key, Err: fmt.Errorf("value %v is not a usable URL or path", raw)}
	}
	data, err := f.Fetch(ctx, source)
	if err != nil {
		return &InputDataError{Key: key, Source: source, Err: err}
	}
	msg.Attachment = &invoke.Attachment{
		MIME:   fetch.DetectMIME(data),
		Data:   data,
		Source: source,
	}
	return nil
}

// observabilityKey is the per-record diagnostic field capturing rendered
// prompts when observability is enabled.
func observabilityKey(transform string) string {
	return "_observability_" + transform
}

// structured reports whether the output spec requests provider-native
// structured output.
func structured(out *spec.OutputSpec) bool {
	return out != nil && out.Mode == spec.ModeStructured
}
