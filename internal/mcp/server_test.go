package mcp

import (
	"context"
	"strings"
	"testing"

	"prism/internal/invoke"
)

// echoInvoker answers every call with a fixed labeled completion.
type echoInvoker struct {
	text string
	cost float64
}

func (e *echoInvoker) Invoke(_ context.Context, req invoke.Request) (invoke.Result, error) {
	res := invoke.Result{
		Response:  invoke.Response{Text: e.text},
		Validated: true,
		Cost:      e.cost,
	}
	if req.Validation != nil {
		if _, ok := req.Validation.Check(res.Response); !ok {
			res.Validated = false
		}
	}
	return res, nil
}

func (e *echoInvoker) InvokeBatch(ctx context.Context, req invoke.Request) (invoke.Result, error) {
	return e.Invoke(ctx, req)
}

const classifyYAML = `
name: classify
type: map
model: gpt-4o-mini
prompt: "Classify: {{.input.text}}"
output:
  schema:
    label: string
`

func TestValidateSpecTool(t *testing.T) {
	s := NewServer(&echoInvoker{})

	_, out, err := s.handleValidateSpec(context.Background(), nil, validateSpecInput{SpecYAML: classifyYAML})
	if err != nil {
		t.Fatalf("handleValidateSpec: %v", err)
	}
	if !out.Valid || out.Kind != "map" || out.Name != "classify" {
		t.Fatalf("output = %+v", out)
	}
}

func TestValidateSpecToolReportsConfigErrors(t *testing.T) {
	s := NewServer(&echoInvoker{})

	_, out, err := s.handleValidateSpec(context.Background(), nil, validateSpecInput{
		SpecYAML: "name: broken\ntype: map\nprompt: \"Do it\"\n",
	})
	if err != nil {
		t.Fatalf("config problems must come back as tool output, got error: %v", err)
	}
	if out.Valid || out.Error == "" {
		t.Fatalf("output = %+v", out)
	}
}

func TestRunTransformTool(t *testing.T) {
	s := NewServer(&echoInvoker{text: `{"label": "news"}`, cost: 0.01})

	_, out, err := s.handleRunTransform(context.Background(), nil, runTransformInput{
		SpecYAML:    classifyYAML,
		RecordsJSON: `[{"text": "alpha"}, {"text": "beta"}]`,
	})
	if err != nil {
		t.Fatalf("handleRunTransform: %v", err)
	}
	if out.Transform != "classify" || len(out.Records) != 2 {
		t.Fatalf("output = %+v", out)
	}
	for _, rec := range out.Records {
		if rec["label"] != "news" {
			t.Fatalf("record missing transformed field: %v", rec)
		}
	}
	if out.CostUSD != 0.02 {
		t.Fatalf("cost = %v, want 0.02", out.CostUSD)
	}
}

func TestRunTransformToolRejectsBadRecords(t *testing.T) {
	s := NewServer(&echoInvoker{text: `{"label": "news"}`})

	_, _, err := s.handleRunTransform(context.Background(), nil, runTransformInput{
		SpecYAML:    classifyYAML,
		RecordsJSON: `{"not": "an array"}`,
	})
	if err == nil || !strings.Contains(err.Error(), "parse records") {
		t.Fatalf("err = %v", err)
	}
}

func TestGetBillTool(t *testing.T) {
	s := NewServer(&echoInvoker{text: `{"label": "news"}`, cost: 0.01})

	if _, _, err := s.handleGetBill(context.Background(), nil, getBillInput{}); err == nil {
		t.Fatal("expected error before any run")
	}

	if _, _, err := s.handleRunTransform(context.Background(), nil, runTransformInput{
		SpecYAML:    classifyYAML,
		RecordsJSON: `[{"text": "alpha"}]`,
	}); err != nil {
		t.Fatalf("handleRunTransform: %v", err)
	}

	_, out, err := s.handleGetBill(context.Background(), nil, getBillInput{})
	if err != nil {
		t.Fatalf("handleGetBill: %v", err)
	}
	if out.CostUSD != 0.01 {
		t.Fatalf("cost = %v, want 0.01", out.CostUSD)
	}
	if !strings.Contains(out.Bill, "classify") || !strings.Contains(out.Bill, "TOTAL") {
		t.Fatalf("bill = %q", out.Bill)
	}
}
