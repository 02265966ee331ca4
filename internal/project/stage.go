package project

import "fmt"

// Stage is a pipeline stage. Stages advance strictly forward through the
// transition table; an illegal transition is a construction-time error,
// not a silent branch miss.
type Stage string

// Pipeline stages in order.
const (
	StageIdeation       Stage = "ideation"
	StageSpecification  Stage = "specification"
	StagePlanning       Stage = "planning"
	StageImplementation Stage = "implementation"
)

// stageNext is the stage transition table. Implementation is terminal.
var stageNext = map[Stage]Stage{
	StageIdeation:      StageSpecification,
	StageSpecification: StagePlanning,
	StagePlanning:      StageImplementation,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIdeation, StageSpecification, StagePlanning, StageImplementation:
		return true
	}
	return false
}

// Next returns the following stage, or false if s is terminal or unknown.
func (s Stage) Next() (Stage, bool) {
	next, ok := stageNext[s]
	return next, ok
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s Stage) CanTransitionTo(target Stage) bool {
	next, ok := stageNext[s]
	return ok && next == target
}

// ValidateStageTransition returns an error describing an illegal move.
func ValidateStageTransition(from, to Stage) error {
	if !from.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal stage transition %s -> %s", from, to)
	}
	return nil
}
