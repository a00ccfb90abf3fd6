// Package plan holds the radiotherapy record model shared by the clinical
// record store and the verification pipeline.
package plan

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Vector is a point in patient coordinates, in millimetres.
type Vector struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

func (v Vector) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v.X, v.Y, v.Z)
}

// Meterset is a monitor-unit amount.
type Meterset struct {
	Value float64 `yaml:"value"`
	Unit  string  `yaml:"unit"`
}

// Dose is an absolute dose value.
type Dose struct {
	Value float64 `yaml:"value"`
	Unit  string  `yaml:"unit"`
}

// Machine references a treatment unit.
type Machine struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Jaws holds collimator jaw positions in millimetres.
type Jaws struct {
	X1 float64 `yaml:"x1"`
	X2 float64 `yaml:"x2"`
	Y1 float64 `yaml:"y1"`
	Y2 float64 `yaml:"y2"`
}

// ControlPoint is one delivery state along a beam.
type ControlPoint struct {
	GantryAngle         float64 `yaml:"gantry"`
	CollimatorAngle     float64 `yaml:"collimator"`
	PatientSupportAngle float64 `yaml:"couch"`
	MetersetWeight      float64 `yaml:"weight"`
	Jaws                Jaws    `yaml:"jaws,omitempty"`
	// LeafPositions holds bank A then bank B.
	LeafPositions [][]float64 `yaml:"leaves,omitempty"`
}

// Beam is a clinical treatment or setup beam of a verified plan.
type Beam struct {
	ID                 string          `yaml:"id"`
	Machine            Machine         `yaml:"machine"`
	EnergyMode         string          `yaml:"energy"`
	DoseRate           int             `yaml:"dose_rate"`
	TechniqueID        string          `yaml:"technique_id"`
	PrimaryFluenceMode string          `yaml:"fluence_mode,omitempty"`
	MLCPlanType        string          `yaml:"mlc_plan_type"`
	Setup              bool            `yaml:"setup,omitempty"`
	GantryDirection    GantryDirection `yaml:"gantry_direction"`
	ControlPoints      []ControlPoint  `yaml:"control_points"`
	Meterset           Meterset        `yaml:"meterset"`
	Isocenter          Vector          `yaml:"isocenter"`

	// Technique is derived from MLCPlanType and Setup at ingestion.
	Technique Technique `yaml:"-"`
}

// ClassifyBeam resolves the delivery technique of a beam.
func ClassifyBeam(mlcPlanType string, setup bool) Technique {
	if setup {
		return TechniqueSetupOnly
	}
	return ParseTechnique(mlcPlanType)
}

// UnmarshalYAML decodes a beam and classifies its technique.
func (b *Beam) UnmarshalYAML(value *yaml.Node) error {
	type rawBeam Beam
	var raw rawBeam
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*b = Beam(raw)
	b.Technique = ClassifyBeam(b.MLCPlanType, b.Setup)
	return nil
}

// IsSetup reports whether the beam delivers no dose.
func (b Beam) IsSetup() bool {
	return b.Setup || b.Technique == TechniqueSetupOnly
}

// MetersetWeights returns the control point weights in order.
func (b Beam) MetersetWeights() []float64 {
	weights := make([]float64, len(b.ControlPoints))
	for i, cp := range b.ControlPoints {
		weights[i] = cp.MetersetWeight
	}
	return weights
}

// HasCouchKick reports whether any control point rotates the patient support.
func (b Beam) HasCouchKick() bool {
	for _, cp := range b.ControlPoints {
		if cp.PatientSupportAngle != 0 {
			return true
		}
	}
	return false
}

// MachineParameters returns the parameters needed to create a beam on the
// same treatment unit.
func (b Beam) MachineParameters() MachineParameters {
	return MachineParameters{
		MachineID:          b.Machine.ID,
		EnergyMode:         b.EnergyMode,
		DoseRate:           b.DoseRate,
		TechniqueID:        b.TechniqueID,
		PrimaryFluenceMode: b.PrimaryFluenceMode,
	}
}

// CalculationType selects a dose calculation model family.
type CalculationType string

const (
	PhotonVolumeDose CalculationType = "PhotonVolumeDose"
)

// TreatmentPlan is a clinical plan under verification.
type TreatmentPlan struct {
	ID                  string                     `yaml:"id"`
	Beams               []Beam                     `yaml:"beams"`
	DosePerFraction     Dose                       `yaml:"dose_per_fraction"`
	TreatmentPercentage float64                    `yaml:"treatment_percentage"`
	CalculationModels   map[CalculationType]string `yaml:"calculation_models,omitempty"`
}

// TreatmentBeams returns the non-setup beams in plan order.
func (p *TreatmentPlan) TreatmentBeams() []Beam {
	beams := make([]Beam, 0, len(p.Beams))
	for _, b := range p.Beams {
		if !b.IsSetup() {
			beams = append(beams, b)
		}
	}
	return beams
}

// Course groups plans of a patient.
type Course struct {
	ID                string              `yaml:"id"`
	PatientID         string              `yaml:"-"`
	CompletedAt       *time.Time          `yaml:"completed_at,omitempty"`
	Plans             []*TreatmentPlan    `yaml:"plans,omitempty"`
	VerificationPlans []*VerificationPlan `yaml:"verification_plans,omitempty"`
}

// IsCompleted reports whether the course has been closed.
func (c *Course) IsCompleted() bool {
	return c.CompletedAt != nil
}

// HasPlan reports whether any plan of the course owns the id.
func (c *Course) HasPlan(id string) bool {
	for _, p := range c.Plans {
		if p.ID == id {
			return true
		}
	}
	for _, p := range c.VerificationPlans {
		if p.ID == id {
			return true
		}
	}
	return false
}

// FindPlan returns the treatment plan with the given id.
func (c *Course) FindPlan(id string) (*TreatmentPlan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// PhantomIdentity locates a phantom image in the reference phantom records.
type PhantomIdentity struct {
	PatientID string `yaml:"patient"`
	StudyID   string `yaml:"study"`
	ImageID   string `yaml:"image"`
}

func (p PhantomIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", p.PatientID, p.StudyID, p.ImageID)
}

// Image is a 3D image with its user origin.
type Image struct {
	ID         string `yaml:"id"`
	StudyID    string `yaml:"study"`
	UserOrigin Vector `yaml:"user_origin"`
	// Source is the phantom the image was copied from, if any.
	Source *PhantomIdentity `yaml:"source,omitempty"`
}

// StructureSet pairs an image with its contours.
type StructureSet struct {
	ID        string `yaml:"id"`
	UID       string `yaml:"uid"`
	PatientID string `yaml:"-"`
	Image     Image  `yaml:"image"`
}

// MachineParameters identify the beam delivery configuration on a unit.
type MachineParameters struct {
	MachineID          string `yaml:"machine"`
	EnergyMode         string `yaml:"energy"`
	DoseRate           int    `yaml:"dose_rate"`
	TechniqueID        string `yaml:"technique_id"`
	PrimaryFluenceMode string `yaml:"fluence_mode,omitempty"`
}

// ArcBeamSpec describes a new arc beam.
type ArcBeamSpec struct {
	Machine         MachineParameters
	MetersetWeights []float64
	CollimatorAngle float64
	GantryStart     float64
	GantryStop      float64
	Direction       GantryDirection
	CouchAngle      float64
	Isocenter       Vector
}

// FluenceBeamSpec describes a new static-gantry fluence beam.
type FluenceBeamSpec struct {
	Machine         MachineParameters
	MetersetWeights []float64
	CollimatorAngle float64
	GantryAngle     float64
	CouchAngle      float64
	Isocenter       Vector
}

// ApertureParameters is the editable aperture of one control point.
type ApertureParameters struct {
	MetersetWeight float64     `yaml:"weight"`
	Jaws           Jaws        `yaml:"jaws"`
	LeafPositions  [][]float64 `yaml:"leaves,omitempty"`
}

// EditableParameters are the beam parameters that can be reapplied to a
// beam after creation.
type EditableParameters struct {
	Isocenter     Vector
	ControlPoints []ApertureParameters
}

// VerificationBeam is a beam of a verification plan.
type VerificationBeam struct {
	ID              string               `yaml:"id"`
	Technique       Technique            `yaml:"-"`
	Machine         MachineParameters    `yaml:"machine"`
	MetersetWeights []float64            `yaml:"weights"`
	CollimatorAngle float64              `yaml:"collimator"`
	GantryStart     float64              `yaml:"gantry_start"`
	GantryStop      float64              `yaml:"gantry_stop"`
	Direction       GantryDirection      `yaml:"gantry_direction"`
	CouchAngle      float64              `yaml:"couch"`
	Isocenter       Vector               `yaml:"isocenter"`
	Apertures       []ApertureParameters `yaml:"apertures,omitempty"`
	MLCPlanType     string               `yaml:"mlc_plan_type"`
}

// UnmarshalYAML decodes a verification beam and restores its technique.
func (b *VerificationBeam) UnmarshalYAML(value *yaml.Node) error {
	type rawBeam VerificationBeam
	var raw rawBeam
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*b = VerificationBeam(raw)
	b.Technique = ParseTechnique(b.MLCPlanType)
	return nil
}

// Prescription is the dose prescription of a plan.
type Prescription struct {
	Fractions           int     `yaml:"fractions"`
	DosePerFraction     Dose    `yaml:"dose_per_fraction"`
	TreatmentPercentage float64 `yaml:"treatment_percentage"`
}

// PresetValue fixes the monitor units of one beam for a calculation.
type PresetValue struct {
	BeamID   string
	Meterset Meterset
}

// CalculationResult is the outcome reported by a dose engine.
type CalculationResult struct {
	Success bool   `yaml:"success"`
	Output  string `yaml:"output"`
}

// VerificationPlan reproduces a treatment plan on a phantom.
type VerificationPlan struct {
	ID                string                     `yaml:"id"`
	UID               string                     `yaml:"uid"`
	PatientID         string                     `yaml:"-"`
	CourseID          string                     `yaml:"-"`
	VerifiedPlanID    string                     `yaml:"verified_plan"`
	StructureSet      StructureSet               `yaml:"structure_set"`
	Beams             []*VerificationBeam        `yaml:"beams"`
	Prescription      *Prescription              `yaml:"prescription,omitempty"`
	CalculationModels map[CalculationType]string `yaml:"calculation_models,omitempty"`
	Dose              *CalculationResult         `yaml:"dose,omitempty"`
}

// FindBeam returns the beam with the given id.
func (vp *VerificationPlan) FindBeam(id string) (*VerificationBeam, bool) {
	for _, b := range vp.Beams {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}
