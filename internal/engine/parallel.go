package engine

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"prism/internal/fetch"
	"prism/internal/invoke"
	"prism/internal/meter"
	"prism/internal/record"
	"prism/internal/render"
	"prism/internal/spec"
)

// ParallelMap executes a validated parallel map spec. Every record fans out
// into one task per prompt facet; a single flat worker pool runs all tasks,
// and completions are consumed record-major, facet-minor, so facet outputs
// fuse in declaration order and outputs keep input order.
type ParallelMap struct {
	spec    *spec.ParallelMap
	invoker invoke.Invoker
	parser  invoke.ResponseParser
	fetcher fetch.Fetcher
	log     *slog.Logger
}

// NewParallelMap builds the engine. The spec must have passed Validate.
func NewParallelMap(s *spec.ParallelMap, opts Options) (*ParallelMap, error) {
	if s == nil || !s.Validated() {
		return nil, fmt.Errorf("engine: parallel map spec must be validated before execution")
	}
	if err := opts.fill("parallel_map", !s.DropOnly()); err != nil {
		return nil, err
	}
	return &ParallelMap{
		spec:    s,
		invoker: opts.Invoker,
		parser:  opts.Parser,
		fetcher: opts.Fetcher,
		log:     opts.Logger,
	}, nil
}

// Execute runs the transform and returns exactly one output per input, in
// input order, plus the total cost in USD.
func (e *ParallelMap) Execute(ctx context.Context, records []record.Record) ([]record.Record, float64, error) {
	out, tracker, err := e.run(ctx, records)
	if err != nil {
		return nil, 0, err
	}
	return out, tracker.Total(), nil
}

// ExecuteBill is Execute plus the itemized cost bill.
func (e *ParallelMap) ExecuteBill(ctx context.Context, records []record.Record) ([]record.Record, *meter.Bill, error) {
	out, tracker, err := e.run(ctx, records)
	if err != nil {
		return nil, nil, err
	}
	return out, tracker.Bill(), nil
}

type facetOut struct {
	out    record.Record
	prompt string
	cost   float64
	calls  int
	err    error
}

func (e *ParallelMap) run(ctx context.Context, records []record.Record) ([]record.Record, *meter.Tracker, error) {
	tracker := meter.NewTracker(e.spec.Name)
	log := e.log.With("transform", e.spec.Name, "run_id", uuid.NewString())

	if e.spec.DropOnly() {
		log.Info("drop-only transform, no model calls", "records", len(records), "drop_keys", e.spec.DropKeys)
		return record.DropKeys(records, e.spec.DropKeys), tracker, nil
	}

	nFacets := len(e.spec.Facets)
	results := make([]chan facetOut, len(records)*nFacets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.spec.Workers)
	for ri := range records {
		for fi := range e.spec.Facets {
			k := ri*nFacets + fi
			results[k] = make(chan facetOut, 1)
			ch := results[k]
			rec := records[ri]
			g.Go(func() error {
				res := e.processFacet(gctx, rec, fi, log)
				ch <- res
				if res.err != nil && !e.spec.SkipOnError {
					return res.err
				}
				return nil
			})
		}
	}

	// Record-major, facet-minor consumption: all facets of record 0, then
	// record 1, and so on. Later facets overwrite earlier ones on shared
	// keys, hence fusion is last-writer-wins in declaration order.
	out := make([]record.Record, 0, len(records))
	var firstErr error
	var current record.Record
	for k := range results {
		fi := k % nFacets
		if fi == 0 {
			current = records[k/nFacets].Clone()
		}
		res := <-results[k]
		if res.calls > 0 {
			tracker.Add("parallel map", res.calls, res.cost)
		}
		if res.err != nil {
			if e.spec.SkipOnError {
				log.Warn("skipping facet after error", "facet", fi, "error", res.err)
			} else if firstErr == nil {
				firstErr = res.err
			}
		} else if firstErr == nil {
			for key, v := range res.out {
				current[key] = v
			}
			if e.spec.Observability {
				obsKey := observabilityKey(e.spec.Name)
				bucket, _ := current[obsKey].(map[string]any)
				if bucket == nil {
					bucket = make(map[string]any, nFacets)
				}
				bucket[fmt.Sprintf("prompt_%d", fi)] = res.prompt
				current[obsKey] = bucket
			}
		}
		if fi == nFacets-1 {
			out = append(out, current)
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
	out = record.DropKeys(out, e.spec.DropKeys)
	log.Info("transform complete", "inputs", len(records), "outputs", len(out), "cost_usd", tracker.Total())
	return out, tracker, nil
}

func (e *ParallelMap) processFacet(ctx context.Context, item record.Record, fi int, log *slog.Logger) facetOut {
	facet := &e.spec.Facets[fi]
	name := fmt.Sprintf("%s/prompt_%d", e.spec.Name, fi)

	prompt, err := render.Render(name, facet.Prompt, templateContext(item))
	if err != nil {
		return facetOut{err: err}
	}
	msg := invoke.UserMessage(prompt)
	if e.spec.AttachmentKey != "" {
		if err := attach(ctx, e.fetcher, e.spec.AttachmentKey, item, &msg); err != nil {
			return facetOut{err: err}
		}
	}
	if err := checkCancelled(ctx); err != nil {
		return facetOut{err: err}
	}

	model := facet.Model
	if model == "" {
		model = e.spec.Model
	}
	schema := facet.LocalSchema(e.spec.Output.Schema)
	res, err := e.invoker.Invoke(ctx, invoke.Request{
		Model:            model,
		Label:            "parallel map",
		Messages:         []invoke.Message{msg},
		Schema:           schema,
		Mode:             e.spec.Output.Mode,
		Tools:            facet.Tools,
		TimeoutSeconds:   e.spec.TimeoutSeconds,
		MaxRetries:       e.spec.MaxRetries,
		Gleaning:         facet.Gleaning,
		BypassCache:      e.spec.BypassCache,
		CompletionKwargs: e.spec.CompletionKwargs,
	})
	if err != nil {
		return facetOut{calls: 1, err: err}
	}
	parsed, err := e.parser.Parse(res.Response, schema, facet.Tools, structured(e.spec.Output))
	if err != nil {
		return facetOut{cost: res.Cost, calls: 1, err: err}
	}
	if len(parsed) == 0 {
		return facetOut{cost: res.Cost, calls: 1, err: fmt.Errorf("facet %d produced no output", fi)}
	}
	log.Debug("facet complete", "facet", fi, "state", unitMerged, "cost_usd", res.Cost)
	return facetOut{out: parsed[0], prompt: prompt, cost: res.Cost, calls: 1}
}
