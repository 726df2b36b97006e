package engine

// unitState tracks one unit of work (a record in a map, a record-facet pair
// in a parallel map) through its lifecycle. Transitions only move forward,
// except Validating, which loops back to Invoking while retry budget
// remains.
type unitState int

const (
	unitPending unitState = iota
	unitRendering
	unitInvoking
	unitValidating
	unitMerged
	unitFailed
)

func (s unitState) String() string {
	switch s {
	case unitPending:
		return "pending"
	case unitRendering:
		return "rendering"
	case unitInvoking:
		return "invoking"
	case unitValidating:
		return "validating"
	case unitMerged:
		return "merged"
	case unitFailed:
		return "failed"
	default:
		return "unknown"
	}
}
