// Package render turns prompt templates into prompt strings. Templates are
// Go text/template bodies executed in strict mode: a parse failure or a
// reference to a missing key is a TemplateError, never silent empty output.
package render

import (
	"bytes"
	"fmt"
	"text/template"
)

// TemplateError reports an invalid template or a strict-mode render failure.
type TemplateError struct {
	Name string // template name, e.g. the transform or facet label
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %v", e.Name, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

var funcMap = template.FuncMap{
	"add": func(a, b int) int { return a + b },
	"sub": func(a, b int) int { return a - b },
}

// Render executes the template body against ctx and returns the prompt.
// Map lookups are strict: a referenced key absent from ctx fails the render.
func Render(name, body string, ctx map[string]any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}
	return buf.String(), nil
}

// Check parses the template body without executing it. Used at spec
// validation time so malformed templates never reach execution.
func Check(name, body string) error {
	if _, err := template.New(name).Funcs(funcMap).Parse(body); err != nil {
		return &TemplateError{Name: name, Err: err}
	}
	return nil
}
