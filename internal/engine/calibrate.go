package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"log/slog"

	"prism/internal/invoke"
	"prism/internal/meter"
	"prism/internal/record"
	"prism/internal/spec"
)

// calibrationSeed fixes the sample selection so repeated runs over the same
// input calibrate on the same documents.
const calibrationSeed = 42

// calibrationSchema is the single-field schema of the anchor-generation
// call.
var calibrationSchema = spec.OutputSchema{"calibration_context": "string"}

// calibrationAnchors runs the transform on a deterministic sample with
// calibration disabled, asks the model to distill the input-output pairs
// into reference anchors, and returns them as text to append to the prompt.
// Every failure degrades to "" with a warning; calibration never fails the
// run.
func (e *Map) calibrationAnchors(ctx context.Context, records []record.Record, tracker *meter.Tracker, log *slog.Logger) string {
	if len(records) == 0 {
		return ""
	}
	sample := sampleRecords(records, e.spec.Calibration.SampleSize)
	log.Info("running calibration", "sample_size", len(sample))

	sub, err := NewMap(e.spec.CalibrationDisabled(), Options{
		Invoker: e.invoker,
		Parser:  e.parser,
		Fetcher: e.fetcher,
		Sink:    e.sink,
		Logger:  e.log,
	})
	if err != nil {
		log.Warn("calibration skipped", "error", err)
		return ""
	}
	outputs, sampleBill, err := sub.ExecuteBill(ctx, sample)
	if err != nil {
		log.Warn("calibration sample run failed, continuing uncalibrated", "error", err)
		return ""
	}
	tracker.Add("calibration sample", sampleBill.TotalInvocations, sampleBill.TotalCostUSD)

	kwargs := make(map[string]any, len(e.spec.CompletionKwargs)+1)
	for k, v := range e.spec.CompletionKwargs {
		kwargs[k] = v
	}
	kwargs["temperature"] = 0.0

	res, err := e.invoker.Invoke(ctx, invoke.Request{
		Model:            e.spec.Model,
		Label:            "calibration",
		Messages:         []invoke.Message{invoke.UserMessage(anchorPrompt(e.spec.Prompt, sample, outputs))},
		Schema:           calibrationSchema,
		TimeoutSeconds:   e.spec.TimeoutSeconds,
		MaxRetries:       e.spec.MaxRetries,
		BypassCache:      e.spec.BypassCache,
		CompletionKwargs: kwargs,
	})
	if err != nil {
		log.Warn("calibration call failed, continuing uncalibrated", "error", err)
		return ""
	}
	tracker.Record("calibration", res.Cost)

	parsed, err := e.parser.Parse(res.Response, calibrationSchema, nil, false)
	if err != nil || len(parsed) == 0 {
		log.Warn("calibration response unparseable, continuing uncalibrated", "error", err)
		return ""
	}
	anchors, _ := parsed[0]["calibration_context"].(string)
	return anchors
}

// sampleRecords picks n records with a fixed seed. Indices are sorted so the
// sample keeps input order.
func sampleRecords(records []record.Record, n int) []record.Record {
	if n >= len(records) {
		return records
	}
	rng := rand.New(rand.NewSource(calibrationSeed))
	idx := rng.Perm(len(records))[:n]
	sort.Ints(idx)
	sample := make([]record.Record, n)
	for i, j := range idx {
		sample[i] = records[j]
	}
	return sample
}

// anchorPrompt builds the analysis prompt from the sample's input-output
// pairs. Pairs are positional; a fan-out in the sample run leaves the extra
// outputs unpaired.
func anchorPrompt(prompt string, inputs, outputs []record.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
The following prompt was applied to sample documents to generate these input-output pairs:

%q

Sample inputs and their outputs:
`, prompt)
	n := min(len(inputs), len(outputs))
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\n--- Example %d ---\n", i+1)
		fmt.Fprintf(&b, "Input: %v\n", map[string]any(inputs[i]))
		fmt.Fprintf(&b, "Output: %v\n", map[string]any(outputs[i]))
	}
	b.WriteString(`
Based on these examples, provide reference anchors that will be appended to the prompt to help maintain consistency when processing all documents.

DO NOT provide generic advice. Instead, use specific examples from above as calibration points.
Note that the outputs might be incorrect, because the user's prompt was not calibrated or rich in the first place.
You can ignore the outputs if they are incorrect, and focus on the diversity of the inputs.

Format as concrete reference points:
- "For reference, consider '[specific input text]' -> [output] as a baseline for [category/level]"
- "Documents similar to '[specific input text]' should be classified as [output]"

Reference anchors:`)
	return b.String()
}
