package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"prism/internal/invoke"
	"prism/internal/logging"
	"prism/internal/record"
	"prism/internal/spec"
)

func digestSpec(t *testing.T, mutate func(*spec.ParallelMap)) *spec.ParallelMap {
	t.Helper()
	s := &spec.ParallelMap{
		Name:  "digest",
		Model: "gpt-4o-mini",
		Output: &spec.OutputSpec{Schema: spec.OutputSchema{
			"summary":  "string",
			"keywords": "list[string]",
		}},
		Facets: []spec.PromptFacet{
			{Prompt: "Summarize: {{.input.text}}", OutputKeys: []string{"summary"}},
			{Prompt: "Keywords for: {{.input.text}}", OutputKeys: []string{"keywords"}},
		},
		Workers: 4,
	}
	if mutate != nil {
		mutate(s)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return s
}

func newParallel(t *testing.T, s *spec.ParallelMap, opts Options) *ParallelMap {
	t.Helper()
	opts.Logger = logging.Discard()
	e, err := NewParallelMap(s, opts)
	if err != nil {
		t.Fatalf("NewParallelMap: %v", err)
	}
	return e
}

// digestResponder answers by facet, keyed on prompt content.
func digestResponder(req invoke.Request, _ int) (invoke.Response, float64, error) {
	content := req.Messages[0].Content
	if strings.HasPrefix(content, "Summarize:") {
		return invoke.Response{Text: `{"summary": "short"}`}, 0.01, nil
	}
	return invoke.Response{Text: `{"keywords": ["k1", "k2"]}`}, 0.02, nil
}

func TestParallelFusesFacetsPerRecord(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	s := digestSpec(t, func(p *spec.ParallelMap) { p.Observability = true })
	e := newParallel(t, s, Options{Invoker: inv})

	in := textRecords("one", "two")
	out, cost, err := e.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d outputs, want exactly one per input", len(out))
	}
	if !closeTo(cost, 0.06) {
		t.Fatalf("cost = %v, want four facet calls", cost)
	}
	for i, rec := range out {
		if rec["id"] != i {
			t.Errorf("record %d out of order: %v", i, rec)
		}
		if rec["summary"] != "short" {
			t.Errorf("record %d missing summary facet: %v", i, rec)
		}
		if diff := cmp.Diff([]any{"k1", "k2"}, rec["keywords"]); diff != "" {
			t.Errorf("record %d keywords (-want +got):\n%s", i, diff)
		}
		obs, ok := rec["_observability_digest"].(map[string]any)
		if !ok {
			t.Fatalf("record %d missing observability bucket", i)
		}
		p0, _ := obs["prompt_0"].(string)
		p1, _ := obs["prompt_1"].(string)
		if !strings.HasPrefix(p0, "Summarize:") || !strings.HasPrefix(p1, "Keywords for:") {
			t.Errorf("record %d prompts misfiled: %v", i, obs)
		}
	}
}

func TestParallelLaterFacetWinsSharedKey(t *testing.T) {
	inv := &stubInvoker{
		respond: func(req invoke.Request, _ int) (invoke.Response, float64, error) {
			if strings.HasPrefix(req.Messages[0].Content, "First") {
				return invoke.Response{Text: `{"summary": "first"}`}, 0, nil
			}
			return invoke.Response{Text: `{"summary": "second"}`}, 0, nil
		},
	}
	s := digestSpec(t, func(p *spec.ParallelMap) {
		p.Output = &spec.OutputSpec{Schema: spec.OutputSchema{"summary": "string"}}
		p.Facets = []spec.PromptFacet{
			{Prompt: "First: {{.input.text}}", OutputKeys: []string{"summary"}},
			{Prompt: "Second: {{.input.text}}", OutputKeys: []string{"summary"}},
		}
	})
	e := newParallel(t, s, Options{Invoker: inv})

	out, _, err := e.Execute(context.Background(), textRecords("x"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out[0]["summary"] != "second" {
		t.Fatalf("summary = %v, want later facet to win", out[0]["summary"])
	}
}

func TestParallelDropKeysAfterFusion(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	s := digestSpec(t, func(p *spec.ParallelMap) { p.DropKeys = []string{"text"} })
	e := newParallel(t, s, Options{Invoker: inv})

	out, _, err := e.Execute(context.Background(), textRecords("one"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := out[0]["text"]; ok {
		t.Fatalf("dropped key survived: %v", out[0])
	}
	if out[0]["summary"] != "short" {
		t.Fatalf("facet output lost: %v", out[0])
	}
}

func TestParallelSkipOnErrorKeepsPartialRecord(t *testing.T) {
	inv := &stubInvoker{
		respond: func(req invoke.Request, _ int) (invoke.Response, float64, error) {
			if strings.HasPrefix(req.Messages[0].Content, "Keywords") {
				return invoke.Response{}, 0, errors.New("provider unavailable")
			}
			return invoke.Response{Text: `{"summary": "short"}`}, 0.01, nil
		},
	}
	s := digestSpec(t, func(p *spec.ParallelMap) { p.SkipOnError = true })
	e := newParallel(t, s, Options{Invoker: inv})

	out, _, err := e.Execute(context.Background(), textRecords("one"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d outputs, want the record kept", len(out))
	}
	if out[0]["summary"] != "short" {
		t.Fatalf("surviving facet lost: %v", out[0])
	}
	if _, ok := out[0]["keywords"]; ok {
		t.Fatalf("failed facet produced output: %v", out[0])
	}
}

func TestParallelFacetErrorFatalByDefault(t *testing.T) {
	inv := &stubInvoker{
		respond: func(req invoke.Request, _ int) (invoke.Response, float64, error) {
			if strings.HasPrefix(req.Messages[0].Content, "Keywords") {
				return invoke.Response{}, 0, errors.New("provider unavailable")
			}
			return invoke.Response{Text: `{"summary": "short"}`}, 0, nil
		},
	}
	e := newParallel(t, digestSpec(t, nil), Options{Invoker: inv})

	if _, _, err := e.Execute(context.Background(), textRecords("one")); err == nil {
		t.Fatal("expected facet failure to fail the run")
	}
}

func TestParallelFacetModelOverride(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	s := digestSpec(t, func(p *spec.ParallelMap) {
		p.Facets[1].Model = "gpt-4o"
	})
	e := newParallel(t, s, Options{Invoker: inv})

	if _, _, err := e.Execute(context.Background(), textRecords("one")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	models := make(map[string]bool)
	for _, c := range inv.byLabel("parallel map") {
		models[c.Model] = true
	}
	if !models["gpt-4o"] || !models["gpt-4o-mini"] {
		t.Fatalf("models invoked = %v, want facet override respected", models)
	}
}

func TestParallelFacetSchemaIsLocal(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	e := newParallel(t, digestSpec(t, nil), Options{Invoker: inv})

	if _, _, err := e.Execute(context.Background(), textRecords("one")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, c := range inv.byLabel("parallel map") {
		if len(c.Schema) != 1 {
			t.Fatalf("facet schema = %v, want only the facet's own keys", c.Schema)
		}
	}
}

func TestParallelDropOnly(t *testing.T) {
	s := digestSpec(t, func(p *spec.ParallelMap) {
		p.Facets = nil
		p.Output = nil
		p.DropKeys = []string{"text"}
	})
	e := newParallel(t, s, Options{})

	out, cost, err := e.Execute(context.Background(), textRecords("a", "b"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cost != 0 {
		t.Fatalf("cost = %v, want 0", cost)
	}
	want := []record.Record{{"id": 0}, {"id": 1}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelEmptyInput(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	e := newParallel(t, digestSpec(t, nil), Options{Invoker: inv})

	out, cost, err := e.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 0 || cost != 0 {
		t.Fatalf("out = %v cost = %v, want empty run", out, cost)
	}
}

func TestParallelFatalErrorSurfacesRootCause(t *testing.T) {
	// Record 0's facet blocks until the pool cancels it; record 1's facet
	// fails for real. The run must report the real failure even though the
	// cancellation arrives first in consumption order.
	inv := &stubInvoker{
		respondCtx: func(ctx context.Context, req invoke.Request, _ int) (invoke.Response, float64, error) {
			if strings.Contains(req.Messages[0].Content, "boom") {
				return invoke.Response{}, 0, errors.New("provider exploded")
			}
			<-ctx.Done()
			return invoke.Response{}, 0, ctx.Err()
		},
	}
	s := digestSpec(t, func(p *spec.ParallelMap) {
		p.Output = &spec.OutputSpec{Schema: spec.OutputSchema{"summary": "string"}}
		p.Facets = []spec.PromptFacet{
			{Prompt: "Summarize: {{.input.text}}", OutputKeys: []string{"summary"}},
		}
		p.Workers = 2
	})
	e := newParallel(t, s, Options{Invoker: inv})

	_, _, err := e.Execute(context.Background(), textRecords("slow", "boom"))
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Fatalf("err = %v, want the provider failure", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, a sibling's cancellation masked the root cause", err)
	}
}

func TestParallelBillCountsFacetCalls(t *testing.T) {
	inv := &stubInvoker{respond: digestResponder}
	e := newParallel(t, digestSpec(t, nil), Options{Invoker: inv})

	_, bill, err := e.ExecuteBill(context.Background(), textRecords("one", "two"))
	if err != nil {
		t.Fatalf("ExecuteBill: %v", err)
	}
	// Two records times two facets.
	if bill.TotalInvocations != 4 {
		t.Fatalf("total invocations = %d, want 4", bill.TotalInvocations)
	}
}
