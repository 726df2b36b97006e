package spec

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"prism/internal/record"
)

// ValidationConfig is a retry budget plus a list of predicate rules a
// produced record must satisfy. Rules are expr expressions evaluated against
// the record's fields, e.g. `label in ["X", "Y"]` or `score >= 0.5`.
// Exhausting the budget yields an invalid (dropped) result, not an error.
type ValidationConfig struct {
	Rules  []string `yaml:"rules"`
	Budget int      `yaml:"budget"`

	programs []*vm.Program
}

// Compile compiles every rule, surfacing syntax errors at spec-validation
// time. Unknown identifiers are allowed at compile time since records are
// schema-less beyond the output keys.
func (v *ValidationConfig) Compile(transform string) error {
	if v.Budget < 0 {
		return errf(transform, "validation.budget", "must not be negative, got %d", v.Budget)
	}
	v.programs = make([]*vm.Program, len(v.Rules))
	for i, rule := range v.Rules {
		prog, err := expr.Compile(rule, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return errf(transform, "validation.rules", "rule %q: %v", rule, err)
		}
		v.programs[i] = prog
	}
	return nil
}

// Check evaluates every rule against the record. It returns the first rule
// that does not hold and false, or "" and true when all rules pass. A rule
// whose evaluation errors (e.g. a type mismatch against this record) counts
// as failed rather than aborting the run.
func (v *ValidationConfig) Check(rec record.Record) (string, bool) {
	for i, prog := range v.programs {
		out, err := expr.Run(prog, map[string]any(rec))
		if err != nil {
			return v.Rules[i], false
		}
		ok, isBool := out.(bool)
		if !isBool || !ok {
			return v.Rules[i], false
		}
	}
	return "", true
}

// Configured reports whether any predicate rules exist.
func (v *ValidationConfig) Configured() bool {
	return v != nil && len(v.Rules) > 0
}
