// Package invoke defines the contract between the engines and the external
// model provider: the request/response types, the Invoker interface the
// provider adapter implements, and the ResponseParser that turns raw model
// output into records. The engines never talk to a network themselves.
package invoke

import (
	"context"

	"prism/internal/record"
	"prism/internal/spec"
)

// Role tags a message in the conversation sent to the model.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Attachment is a binary payload attached to a message, e.g. a fetched PDF.
type Attachment struct {
	MIME   string
	Data   []byte
	Source string // URL or path the payload came from, for diagnostics
}

// Message is one turn of the prompt conversation.
type Message struct {
	Role       Role
	Content    string
	Attachment *Attachment
}

// UserMessage builds a plain user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Response is what the provider produced. Adapters that parse provider
// output themselves (e.g. during an internal gleaning round) may populate
// Records directly; otherwise Text carries the raw completion.
type Response struct {
	Text    string
	Records []record.Record
}

// ValidationSpec is the engine-supplied validate contract for one call. The
// invoker runs Check after each attempt; a false result within Budget allows
// a retry, and exhausting Budget yields Validated=false on the Result.
type ValidationSpec struct {
	Budget int
	Rules  []string
	Check  func(Response) (record.Record, bool)
}

// Request carries everything one model call needs.
type Request struct {
	Model    string
	Label    string // operation label for metering, e.g. "map", "batch map"
	Messages []Message

	Schema spec.OutputSchema
	Mode   spec.OutputMode
	Tools  []spec.Tool

	TimeoutSeconds int
	MaxRetries     int

	Validation *ValidationSpec
	Gleaning   *spec.GleaningConfig

	// InitialResult is a prior result from a batch-combining call; the
	// invoker may use it to seed or short-circuit the per-record call.
	InitialResult record.Record

	BypassCache      bool
	CompletionKwargs map[string]any
}

// Result is the outcome of one call. Cost is incurred regardless of
// Validated: a call that never satisfied validation still gets billed.
type Result struct {
	Response  Response
	Validated bool
	Cost      float64
}

// Invoker issues model calls. Implementations own timeouts, retries on
// transport failure, and the internal gleaning loop; the engines only see
// the final Result.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
	// InvokeBatch issues one call whose response parses into a per-item
	// result list (the batch-combining path).
	InvokeBatch(ctx context.Context, req Request) (Result, error)
}

// ResponseParser turns a raw response into one or more records matching the
// schema. One response may fan out into several records.
type ResponseParser interface {
	Parse(resp Response, schema spec.OutputSchema, tools []spec.Tool, structured bool) ([]record.Record, error)
}
