package sim

import "fmt"

// ParseError reports malformed configuration input: bad block syntax,
// unknown tokens, or THETA/OMEGA counts that disagree with the model's
// structural parameter list. Parsing aborts on the first ParseError;
// no partial ModelSpec is ever returned.
type ParseError struct {
	Block string // block name without the leading '$', or the file format
	Line  int    // 1-based line number within the input, 0 if unknown
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in $%s (line %d): %s", e.Block, e.Line, e.Msg)
	}
	return fmt.Sprintf("parse error in $%s: %s", e.Block, e.Msg)
}

// ValidationError reports a configuration that parsed but is semantically
// invalid: non-positive thetas or variances, unsorted dose times, or an
// unsupported route/compartment combination. Surfaced before any
// simulation begins.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// InstabilityError reports a numerically degenerate system for one
// patient: coincident disposition eigenvalues, or a covariate draw that
// drove a parameter non-positive. The failing patient is reported rather
// than silently emitting NaN/Inf; run-level policy (skip vs abort) is the
// orchestrator caller's choice.
type InstabilityError struct {
	PatientID int // 0 when the failure is patient-independent
	Msg       string
}

func (e *InstabilityError) Error() string {
	if e.PatientID > 0 {
		return fmt.Sprintf("numerical instability (patient %d): %s", e.PatientID, e.Msg)
	}
	return fmt.Sprintf("numerical instability: %s", e.Msg)
}
