// Package record defines the clinical record service consumed by the
// verification pipeline, together with an in-memory implementation.
package record

import (
	"context"
	"errors"

	"github.com/mrsinham/qaforge/internal/plan"
)

var (
	// ErrNotFound is returned when a patient, course, plan, beam or image
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID is returned when an id is already used in its scope.
	ErrDuplicateID = errors.New("id already in use")
)

// CourseStore looks up and creates courses.
type CourseStore interface {
	FindCourse(ctx context.Context, patientID, courseID string) (*plan.Course, error)
	AddCourse(ctx context.Context, patientID, courseID string) (*plan.Course, error)
}

// ImageStore enumerates structure sets and copies images between patients.
type ImageStore interface {
	StructureSets(ctx context.Context, patientID string) ([]plan.StructureSet, error)
	CopyImageFromOtherPatient(ctx context.Context, patientID string, src plan.PhantomIdentity) (plan.StructureSet, error)
}

// PlanEditor creates and edits verification plans.
type PlanEditor interface {
	AddVerificationPlan(ctx context.Context, patientID, courseID string, ss plan.StructureSet, verified *plan.TreatmentPlan) (*plan.VerificationPlan, error)
	RenamePlan(ctx context.Context, vp *plan.VerificationPlan, id string) error
	AddArcBeam(ctx context.Context, vp *plan.VerificationPlan, spec plan.ArcBeamSpec) (*plan.VerificationBeam, error)
	AddFluenceBeam(ctx context.Context, vp *plan.VerificationPlan, spec plan.FluenceBeamSpec) (*plan.VerificationBeam, error)
	RenameBeam(ctx context.Context, vp *plan.VerificationPlan, beam *plan.VerificationBeam, id string) error
	EditableParameters(ctx context.Context, beam plan.Beam) (plan.EditableParameters, error)
	ApplyParameters(ctx context.Context, vp *plan.VerificationPlan, beam *plan.VerificationBeam, params plan.EditableParameters) error
	SetPrescription(ctx context.Context, vp *plan.VerificationPlan, p plan.Prescription) error
	SetCalculationModel(ctx context.Context, vp *plan.VerificationPlan, t plan.CalculationType, model string) error
}

// DoseCalculator runs dose calculations on verification plans. A returned
// error means the engine could not be reached; a failed calculation is
// reported through CalculationResult.Success.
type DoseCalculator interface {
	CalculateDose(ctx context.Context, vp *plan.VerificationPlan) (plan.CalculationResult, error)
	CalculateDoseWithPresets(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) (plan.CalculationResult, error)
}

// Store is the full clinical record service.
type Store interface {
	CourseStore
	ImageStore
	PlanEditor
	DoseCalculator
}

// ImageSource loads reference phantom images that are not held by any
// patient of the store.
type ImageSource interface {
	LoadImage(ctx context.Context, id plan.PhantomIdentity) (plan.Image, error)
}

// DoseEngine computes dose for a verification plan. presets is nil for a
// whole-plan calculation.
type DoseEngine interface {
	Calculate(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) plan.CalculationResult
}
