package engine

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"prism/internal/checkpoint"
	"prism/internal/fetch"
	"prism/internal/invoke"
	"prism/internal/meter"
	"prism/internal/record"
	"prism/internal/render"
	"prism/internal/spec"
)

// Map executes a validated map spec: drop-only fast path, optional
// calibration pre-pass, contiguous batching with an outer batch pool and an
// inner per-batch item pool, and deterministic input-order results.
type Map struct {
	spec    *spec.Map
	invoker invoke.Invoker
	parser  invoke.ResponseParser
	fetcher fetch.Fetcher
	sink    checkpoint.Sink
	log     *slog.Logger
}

// NewMap builds the engine. The spec must have passed Validate.
func NewMap(s *spec.Map, opts Options) (*Map, error) {
	if s == nil || !s.Validated() {
		return nil, fmt.Errorf("engine: map spec must be validated before execution")
	}
	if err := opts.fill("map", !s.DropOnly()); err != nil {
		return nil, err
	}
	return &Map{
		spec:    s,
		invoker: opts.Invoker,
		parser:  opts.Parser,
		fetcher: opts.Fetcher,
		sink:    opts.Sink,
		log:     opts.Logger,
	}, nil
}

// Execute runs the transform over records and returns the outputs with the
// total cost in USD. A failed execution returns only the error; cost spent
// before the failure is reported on the bill of a later successful run only.
func (e *Map) Execute(ctx context.Context, records []record.Record) ([]record.Record, float64, error) {
	out, tracker, err := e.run(ctx, records)
	if err != nil {
		return nil, 0, err
	}
	return out, tracker.Total(), nil
}

// ExecuteBill is Execute plus the itemized cost bill.
func (e *Map) ExecuteBill(ctx context.Context, records []record.Record) ([]record.Record, *meter.Bill, error) {
	out, tracker, err := e.run(ctx, records)
	if err != nil {
		return nil, nil, err
	}
	return out, tracker.Bill(), nil
}

func (e *Map) run(ctx context.Context, records []record.Record) ([]record.Record, *meter.Tracker, error) {
	tracker := meter.NewTracker(e.spec.Name)
	log := e.log.With("transform", e.spec.Name, "run_id", uuid.NewString())

	if e.spec.DropOnly() {
		log.Info("drop-only transform, no model calls", "records", len(records), "drop_keys", e.spec.DropKeys)
		return record.DropKeys(records, e.spec.DropKeys), tracker, nil
	}

	active := e.spec
	if e.spec.Calibration.Enabled {
		if anchors := e.calibrationAnchors(ctx, records, tracker, log); anchors != "" {
			active = e.spec.WithPrompt(e.spec.Prompt + "\n\n" + anchors)
			log.Info("prompt augmented with calibration anchors")
		}
	}

	r := &mapRun{
		spec:    active,
		invoker: e.invoker,
		parser:  e.parser,
		fetcher: e.fetcher,
		log:     log,
	}

	batchSize := active.BatchSize
	nBatches := (len(records) + batchSize - 1) / batchSize
	results := make([]chan batchOut, nBatches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(active.BatchWorkers)
	for i := 0; i < nBatches; i++ {
		results[i] = make(chan batchOut, 1)
		lo := i * batchSize
		hi := min(lo+batchSize, len(records))
		ch := results[i]
		g.Go(func() error {
			res := r.processBatch(gctx, records[lo:hi])
			ch <- res
			if res.err != nil {
				return res.err
			}
			return nil
		})
	}

	// Completed batches are consumed strictly in submission order, so the
	// output sequence, the bill, and the checkpoint stream are all
	// deterministic.
	var out []record.Record
	var firstErr error
	for i := 0; i < nBatches; i++ {
		res := <-results[i]
		if res.itemCalls > 0 {
			tracker.Add("map", res.itemCalls, res.itemCost)
		}
		if res.batchCalls > 0 {
			tracker.Add("batch map", res.batchCalls, res.batchCost)
		}
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		flushed := record.DropKeys(res.records, active.DropKeys)
		out = append(out, flushed...)
		if active.FlushPartials {
			// Fire and forget: a sink failure never fails the run.
			if err := e.sink.Flush(active.Name, i, flushed); err != nil {
				log.Warn("checkpoint flush failed", "batch", i, "error", err)
			}
		}
	}
	// The pool's error is the first one a worker actually returned, which is
	// the root cause; consumption-order firstErr may be a cancellation a
	// sibling observed only after that failure.
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	log.Info("transform complete", "inputs", len(records), "outputs", len(out), "cost_usd", tracker.Total())
	return out, tracker, nil
}

// mapRun is the per-execution view: the (possibly calibration-augmented)
// spec plus collaborators, shared by all batch workers.
type mapRun struct {
	spec    *spec.Map
	invoker invoke.Invoker
	parser  invoke.ResponseParser
	fetcher fetch.Fetcher
	log     *slog.Logger
}

type batchOut struct {
	records    []record.Record
	itemCost   float64
	itemCalls  int
	batchCost  float64
	batchCalls int
	err        error
}

// itemOut is one record's outcome: its outputs, the cost and number of
// model calls it incurred, and any failure.
type itemOut struct {
	records []record.Record
	cost    float64
	calls   int
	err     error
}

func (r *mapRun) processBatch(ctx context.Context, items []record.Record) batchOut {
	var out batchOut

	// The batch-combining call seeds per-record priors. Entries the model
	// skipped stay nil, which the per-record call treats as "no prior".
	priors := make([]record.Record, len(items))
	if r.spec.BatchPrompt != "" && len(items) > 1 {
		cost, calls, err := r.batchPriors(ctx, items, priors)
		out.batchCost += cost
		out.batchCalls += calls
		if err != nil {
			out.err = err
			return out
		}
	}

	// A batch of one skips the inner pool.
	if len(items) == 1 {
		res := r.processItem(ctx, items[0], priors[0])
		out.itemCost += res.cost
		out.itemCalls += res.calls
		if res.err != nil {
			if r.spec.SkipOnError {
				r.log.Warn("skipping record after error", "error", res.err)
				return out
			}
			out.err = res.err
			return out
		}
		out.records = res.records
		return out
	}

	outs := make([]itemOut, len(items))
	ig, ictx := errgroup.WithContext(ctx)
	ig.SetLimit(r.spec.ItemWorkers)
	for idx := range items {
		ig.Go(func() error {
			outs[idx] = r.processItem(ictx, items[idx], priors[idx])
			if err := outs[idx].err; err != nil && !r.spec.SkipOnError {
				return err
			}
			return nil
		})
	}
	werr := ig.Wait()

	for idx := range outs {
		out.itemCost += outs[idx].cost
		out.itemCalls += outs[idx].calls
		if outs[idx].err != nil {
			if r.spec.SkipOnError {
				r.log.Warn("skipping record after error", "error", outs[idx].err)
				continue
			}
			if out.err == nil {
				out.err = outs[idx].err
			}
			continue
		}
		out.records = append(out.records, outs[idx].records...)
	}
	if werr != nil {
		out.err = werr
	}
	return out
}

// batchPriors issues the single batch-combining call and slots the parsed
// positional results into priors. The calls count reports whether the model
// was actually reached.
func (r *mapRun) batchPriors(ctx context.Context, items []record.Record, priors []record.Record) (float64, int, error) {
	prompt, err := render.Render(r.spec.Name+"/batch_prompt", r.spec.BatchPrompt, batchContext(items))
	if err != nil {
		return 0, 0, err
	}
	if err := checkCancelled(ctx); err != nil {
		return 0, 0, err
	}
	res, err := r.invoker.InvokeBatch(ctx, invoke.Request{
		Model:            r.spec.Model,
		Label:            "batch map",
		Messages:         []invoke.Message{invoke.UserMessage(prompt)},
		Schema:           r.spec.Output.Schema,
		Mode:             r.spec.Output.Mode,
		TimeoutSeconds:   r.spec.TimeoutSeconds,
		MaxRetries:       r.spec.MaxRetries,
		BypassCache:      r.spec.BypassCache,
		CompletionKwargs: r.spec.CompletionKwargs,
	})
	if err != nil {
		return 0, 1, fmt.Errorf("batch call: %w", err)
	}
	parsed, err := r.parser.Parse(res.Response, r.spec.Output.Schema, nil, structured(r.spec.Output))
	if err != nil {
		return res.Cost, 1, fmt.Errorf("batch call: %w", err)
	}
	for i, prior := range invoke.BatchResults(parsed) {
		if i >= len(priors) {
			break
		}
		priors[i] = prior
	}
	return res.Cost, 1, nil
}

func (r *mapRun) processItem(ctx context.Context, item record.Record, prior record.Record) itemOut {
	state := unitRendering
	prompt, err := render.Render(r.spec.Name, r.spec.Prompt, templateContext(item))
	if err != nil {
		return itemOut{err: err}
	}

	msg := invoke.UserMessage(prompt)
	if r.spec.AttachmentKey != "" {
		if err := attach(ctx, r.fetcher, r.spec.AttachmentKey, item, &msg); err != nil {
			return itemOut{err: err}
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return itemOut{err: err}
	}

	req := invoke.Request{
		Model:            r.spec.Model,
		Label:            "map",
		Messages:         []invoke.Message{msg},
		Schema:           r.spec.Output.Schema,
		Mode:             r.spec.Output.Mode,
		Tools:            r.spec.Tools,
		TimeoutSeconds:   r.spec.TimeoutSeconds,
		MaxRetries:       r.spec.MaxRetries,
		Gleaning:         r.spec.Gleaning,
		InitialResult:    prior,
		BypassCache:      r.spec.BypassCache,
		CompletionKwargs: r.spec.CompletionKwargs,
	}
	if r.spec.Validation.Configured() {
		req.Validation = &invoke.ValidationSpec{
			Budget: r.spec.Validation.Budget,
			Rules:  r.spec.Validation.Rules,
			Check:  r.validateResponse(item),
		}
	}

	state = unitInvoking
	res, err := r.invoker.Invoke(ctx, req)
	if err != nil {
		return itemOut{calls: 1, err: err}
	}
	if !res.Validated {
		state = unitFailed
		r.log.Warn("validation budget exhausted, dropping record", "state", state)
		return itemOut{cost: res.Cost, calls: 1}
	}

	state = unitValidating
	parsed, err := r.parser.Parse(res.Response, r.spec.Output.Schema, r.spec.Tools, structured(r.spec.Output))
	if err != nil {
		return itemOut{cost: res.Cost, calls: 1, err: err}
	}

	// One response may fan out into several outputs; each inherits the
	// original record's fields, with schema fields winning on collision.
	merged := make([]record.Record, 0, len(parsed))
	for _, p := range parsed {
		m := item.Merge(p)
		if r.spec.Observability {
			m[observabilityKey(r.spec.Name)] = map[string]any{"prompt": prompt}
		}
		merged = append(merged, m)
	}
	state = unitMerged
	r.log.Debug("record transformed", "state", state, "outputs", len(merged), "cost_usd", res.Cost)
	return itemOut{records: merged, cost: res.Cost, calls: 1}
}

// validateResponse builds the per-attempt validation callback: parse, check
// every schema key is present, merge the original record's non-schema
// fields, then apply the configured rules.
func (r *mapRun) validateResponse(item record.Record) func(invoke.Response) (record.Record, bool) {
	return func(resp invoke.Response) (record.Record, bool) {
		parsed, err := r.parser.Parse(resp, r.spec.Output.Schema, r.spec.Tools, structured(r.spec.Output))
		if err != nil || len(parsed) == 0 {
			return nil, false
		}
		out := parsed[0]
		for key := range r.spec.Output.Schema {
			if _, ok := out[key]; !ok {
				return out, false
			}
		}
		// Original non-schema fields overwrite anything the model emitted
		// under the same key, so rules always see the source values.
		for k, v := range item {
			if _, inSchema := r.spec.Output.Schema[k]; !inSchema {
				out[k] = v
			}
		}
		if rule, ok := r.spec.Validation.Check(out); !ok {
			r.log.Debug("validation rule failed", "rule", rule)
			return out, false
		}
		return out, true
	}
}
