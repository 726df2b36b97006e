package invoke

import (
	"encoding/json"
	"fmt"
	"strings"

	"prism/internal/record"
	"prism/internal/spec"
)

// ParseError reports model output that could not be shaped into records.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:117] + "..."
	}
	return fmt.Sprintf("parse response: %s (raw: %q)", e.Reason, raw)
}

// JSONParser is the default ResponseParser: it expects the completion to be
// a JSON object or an array of objects, tolerating a markdown code fence
// around it. When Lenient is false, output sharing no keys with the schema
// is rejected as schema-incompatible (the manual-fix escape hatch in the
// original is modeled by Lenient=true).
type JSONParser struct {
	Lenient bool
}

// Parse implements ResponseParser.
func (p *JSONParser) Parse(resp Response, schema spec.OutputSchema, tools []spec.Tool, structured bool) ([]record.Record, error) {
	if resp.Records != nil {
		return resp.Records, nil
	}

	text := stripFence(strings.TrimSpace(resp.Text))
	if text == "" {
		return nil, &ParseError{Reason: "empty response", Raw: resp.Text}
	}

	var records []record.Record
	switch text[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON object: %v", err), Raw: resp.Text}
		}
		records = []record.Record{record.Record(obj)}
	case '[':
		var objs []map[string]any
		if err := json.Unmarshal([]byte(text), &objs); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON array: %v", err), Raw: resp.Text}
		}
		for _, obj := range objs {
			records = append(records, record.Record(obj))
		}
	default:
		return nil, &ParseError{Reason: "response is not a JSON object or array", Raw: resp.Text}
	}

	if !p.Lenient {
		for _, rec := range records {
			if !touchesSchema(rec, schema) {
				return nil, &ParseError{Reason: "output shares no keys with the schema", Raw: resp.Text}
			}
		}
	}
	return records, nil
}

// touchesSchema reports whether the record carries at least one schema key.
// The batch-combining envelope {"results": [...]} also passes: it is
// unwrapped downstream by BatchResults.
func touchesSchema(rec record.Record, schema spec.OutputSchema) bool {
	if len(schema) == 0 {
		return true
	}
	for k := range schema {
		if _, ok := rec[k]; ok {
			return true
		}
	}
	_, hasResults := rec["results"]
	return hasResults
}

// BatchResults extracts the positional result list from a batch-combining
// response: the first parsed record's "results" entry. A missing or
// malformed list yields nil, which downstream treats as "no prior results".
func BatchResults(records []record.Record) []record.Record {
	if len(records) == 0 {
		return nil
	}
	raw, ok := records[0]["results"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]record.Record, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, record.Record(m))
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// stripFence removes a surrounding markdown code fence, with or without a
// language tag.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line (e.g. "json").
		first := strings.TrimSpace(s[:i])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
