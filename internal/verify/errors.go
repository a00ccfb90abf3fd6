package verify

import (
	"errors"
	"fmt"
)

var (
	ErrNoPatient            = errors.New("please load a patient")
	ErrNoPlan               = errors.New("please load an external beam plan that will be verified")
	ErrNoTreatmentBeams     = errors.New("plan has no treatment beams")
	ErrUnknownMachine       = errors.New("treatment machine not recognized")
	ErrUnsupportedTechnique = errors.New("unsupported delivery technique")
	ErrCouchKick            = errors.New("plan has couch kick, please manually zero and recalculate/export")
	ErrDuplicatePlan        = errors.New("plan already exists in QA course")
	ErrDoseCalculation      = errors.New("dose calculation failed")
)

// Stage is a step of the verification pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageCourseResolved
	StagePhantomResolved
	StageBeamsValidated
	StageBeamsTranslated
	StageIDsAssigned
	StageGeometryReconciled
	StagePrescribed
	StageDoseCalculated
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageCourseResolved:
		return "CourseResolved"
	case StagePhantomResolved:
		return "PhantomResolved"
	case StageBeamsValidated:
		return "BeamsValidated"
	case StageBeamsTranslated:
		return "BeamsTranslated"
	case StageIDsAssigned:
		return "IdsAssigned"
	case StageGeometryReconciled:
		return "GeometryReconciled"
	case StagePrescribed:
		return "Prescribed"
	case StageDoseCalculated:
		return "DoseCalculated"
	case StageFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StageError reports a fatal pipeline failure. Stage is always StageFailed;
// Completed is the last stage that completed. When a verification plan had
// already been created it is left in the course and named by PlanID.
type StageError struct {
	Stage     Stage
	Completed Stage
	CourseID string
	PlanID   string
	Err      error
}

func (e *StageError) Error() string {
	msg := e.Err.Error()
	if e.PlanID != "" {
		msg += fmt.Sprintf(" (incomplete verification plan %s left in course %s)", e.PlanID, e.CourseID)
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// CalculationError carries the dose engine diagnostics of a failed
// calculation.
type CalculationError struct {
	PlanID string
	Output string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("dose calculation failed for verification plan %s. Output:\n%s", e.PlanID, e.Output)
}

func (e *CalculationError) Unwrap() error {
	return ErrDoseCalculation
}
