// Package mcp exposes the transform engines over the Model Context
// Protocol, so an agent can validate specs, run transforms, and inspect
// cost bills as tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"prism/internal/engine"
	"prism/internal/invoke"
	"prism/internal/logging"
	"prism/internal/meter"
	"prism/internal/record"
	"prism/internal/spec"
)

// Server wraps the MCP SDK server around an injected model invoker. The
// caller owns provider wiring; the server only translates tool calls into
// engine executions.
type Server struct {
	MCPServer *sdkmcp.Server

	invoker invoke.Invoker

	mu       sync.Mutex
	lastBill *meter.Bill
}

// NewServer creates an MCP server with transform tools bound to the given
// invoker.
func NewServer(invoker invoke.Invoker) *Server {
	s := &Server{invoker: invoker}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "prism", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "validate_spec",
		Description: "Validate a YAML transform spec without running it. Returns the transform kind and name, or the configuration error.",
	}, s.handleValidateSpec)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_transform",
		Description: "Run a YAML transform spec over a JSON array of records. Returns the output records and the total cost in USD.",
	}, s.handleRunTransform)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_bill",
		Description: "Get the itemized cost bill of the most recent run_transform call, rendered as a markdown table.",
	}, s.handleGetBill)
}

// --- Tool input/output types ---

type validateSpecInput struct {
	SpecYAML string `json:"spec_yaml" jsonschema:"transform spec in YAML"`
}

type validateSpecOutput struct {
	Valid bool   `json:"valid"`
	Kind  string `json:"kind,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

type runTransformInput struct {
	SpecYAML    string `json:"spec_yaml" jsonschema:"transform spec in YAML"`
	RecordsJSON string `json:"records_json" jsonschema:"input records as a JSON array of objects"`
}

type runTransformOutput struct {
	Records   []record.Record `json:"records"`
	CostUSD   float64         `json:"cost_usd"`
	Transform string          `json:"transform"`
}

type getBillInput struct{}

type getBillOutput struct {
	Bill    string  `json:"bill,omitempty"`
	CostUSD float64 `json:"cost_usd"`
}

// --- Tool handlers ---

func (s *Server) handleValidateSpec(_ context.Context, _ *sdkmcp.CallToolRequest, input validateSpecInput) (*sdkmcp.CallToolResult, validateSpecOutput, error) {
	t, err := spec.ParseYAML([]byte(input.SpecYAML))
	if err != nil {
		// Config problems are the tool's answer, not a protocol error.
		return nil, validateSpecOutput{Valid: false, Error: err.Error()}, nil
	}
	return nil, validateSpecOutput{
		Valid: true,
		Kind:  string(t.Kind()),
		Name:  t.TransformName(),
	}, nil
}

func (s *Server) handleRunTransform(ctx context.Context, _ *sdkmcp.CallToolRequest, input runTransformInput) (*sdkmcp.CallToolResult, runTransformOutput, error) {
	logger := logging.New("mcp-run")

	t, err := spec.ParseYAML([]byte(input.SpecYAML))
	if err != nil {
		return nil, runTransformOutput{}, fmt.Errorf("parse spec: %w", err)
	}
	var records []record.Record
	if err := json.Unmarshal([]byte(input.RecordsJSON), &records); err != nil {
		return nil, runTransformOutput{}, fmt.Errorf("parse records: %w", err)
	}

	opts := engine.Options{Invoker: s.invoker, Logger: logger}
	var out []record.Record
	var bill *meter.Bill
	switch tt := t.(type) {
	case *spec.Map:
		e, err := engine.NewMap(tt, opts)
		if err != nil {
			return nil, runTransformOutput{}, err
		}
		out, bill, err = e.ExecuteBill(ctx, records)
		if err != nil {
			return nil, runTransformOutput{}, fmt.Errorf("run %s: %w", tt.Name, err)
		}
	case *spec.ParallelMap:
		e, err := engine.NewParallelMap(tt, opts)
		if err != nil {
			return nil, runTransformOutput{}, err
		}
		out, bill, err = e.ExecuteBill(ctx, records)
		if err != nil {
			return nil, runTransformOutput{}, fmt.Errorf("run %s: %w", tt.Name, err)
		}
	default:
		return nil, runTransformOutput{}, fmt.Errorf("unsupported transform kind %q", t.Kind())
	}

	s.mu.Lock()
	s.lastBill = bill
	s.mu.Unlock()

	if out == nil {
		out = []record.Record{}
	}
	return nil, runTransformOutput{
		Records:   out,
		CostUSD:   bill.TotalCostUSD,
		Transform: t.TransformName(),
	}, nil
}

func (s *Server) handleGetBill(_ context.Context, _ *sdkmcp.CallToolRequest, _ getBillInput) (*sdkmcp.CallToolResult, getBillOutput, error) {
	s.mu.Lock()
	bill := s.lastBill
	s.mu.Unlock()
	if bill == nil {
		return nil, getBillOutput{}, fmt.Errorf("no transform has run yet")
	}
	return nil, getBillOutput{
		Bill:    meter.Format(bill),
		CostUSD: bill.TotalCostUSD,
	}, nil
}
