// Package meter accumulates the monetary cost of model invocations and
// renders a per-run bill. A Tracker is fed by the engine's orchestrating
// loop, which consumes completed work single-threadedly, so no counter
// synchronization is needed.
package meter

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Tracker collects per-label invocation counts and cost for one execution.
type Tracker struct {
	transform string
	start     time.Time
	order     []string
	lines     map[string]*Line
}

// Line is one row of the bill: all invocations sharing an operation label.
type Line struct {
	Label       string
	Invocations int
	CostUSD     float64
}

// NewTracker starts a tracker for the named transform.
func NewTracker(transform string) *Tracker {
	return &Tracker{
		transform: transform,
		start:     time.Now(),
		lines:     make(map[string]*Line),
	}
}

// Record adds one invocation's cost under the given label.
func (t *Tracker) Record(label string, costUSD float64) {
	t.Add(label, 1, costUSD)
}

// Add merges n invocations totalling costUSD into the label's line. Callers
// that batch several calls before reporting use this to keep the bill's
// invocation counts honest.
func (t *Tracker) Add(label string, n int, costUSD float64) {
	l, ok := t.lines[label]
	if !ok {
		l = &Line{Label: label}
		t.lines[label] = l
		t.order = append(t.order, label)
	}
	l.Invocations += n
	l.CostUSD += costUSD
}

// Total returns the cost accumulated so far.
func (t *Tracker) Total() float64 {
	var total float64
	for _, l := range t.lines {
		total += l.CostUSD
	}
	return total
}

// Bill is the finished cost summary for a run.
type Bill struct {
	Transform        string
	Lines            []Line
	TotalInvocations int
	TotalCostUSD     float64
	WallClock        time.Duration
}

// Bill snapshots the tracker into a Bill, lines in first-seen order.
func (t *Tracker) Bill() *Bill {
	b := &Bill{
		Transform: t.transform,
		WallClock: time.Since(t.start),
	}
	for _, label := range t.order {
		l := t.lines[label]
		b.Lines = append(b.Lines, *l)
		b.TotalInvocations += l.Invocations
		b.TotalCostUSD += l.CostUSD
	}
	return b
}

// Format renders the bill as a markdown document with a per-label table.
func Format(b *Bill) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Cost bill: %s\n\n", b.Transform))

	w := table.NewWriter()
	w.AppendHeader(table.Row{"Operation", "Calls", "Cost"})
	for _, l := range b.Lines {
		w.AppendRow(table.Row{l.Label, l.Invocations, fmt.Sprintf("$%.4f", l.CostUSD)})
	}
	w.AppendFooter(table.Row{"TOTAL", b.TotalInvocations, fmt.Sprintf("$%.4f", b.TotalCostUSD)})
	sb.WriteString(w.RenderMarkdown())
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Wall clock: %s\n", fmtDuration(b.WallClock)))
	return sb.String()
}

// fmtDuration formats a duration as "Xm Ys" or "Ys".
func fmtDuration(d time.Duration) string {
	s := int(d.Seconds())
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}
