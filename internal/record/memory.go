package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mrsinham/qaforge/internal/plan"
)

// Patient is a patient record held by Memory.
type Patient struct {
	ID            string               `yaml:"id"`
	Name          string               `yaml:"name,omitempty"`
	Courses       []*plan.Course       `yaml:"courses,omitempty"`
	StructureSets []*plan.StructureSet `yaml:"structure_sets,omitempty"`
}

func (p *Patient) findCourse(id string) *plan.Course {
	for _, c := range p.Courses {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (p *Patient) hasStructureSet(id string) bool {
	for _, ss := range p.StructureSets {
		if ss.ID == id {
			return true
		}
	}
	return false
}

// Memory is an in-memory Store. It is safe for concurrent use, although the
// verification pipeline never calls it concurrently for one patient.
type Memory struct {
	mu       sync.Mutex
	patients map[string]*Patient
	order    []string
	images   ImageSource
	engine   DoseEngine
}

var _ Store = (*Memory)(nil)

// Option configures a Memory store.
type Option func(*Memory)

// WithImageSource sets where phantom images missing from the store are
// loaded from.
func WithImageSource(src ImageSource) Option {
	return func(m *Memory) { m.images = src }
}

// WithDoseEngine sets the engine used by the dose calculation methods.
func WithDoseEngine(e DoseEngine) Option {
	return func(m *Memory) { m.engine = e }
}

// NewMemory returns an empty store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{patients: make(map[string]*Patient)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPatient registers a patient record.
func (m *Memory) AddPatient(p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		return fmt.Errorf("patient id is required")
	}
	if _, exists := m.patients[p.ID]; exists {
		return fmt.Errorf("patient %q: %w", p.ID, ErrDuplicateID)
	}
	link(p)
	m.patients[p.ID] = p
	m.order = append(m.order, p.ID)
	return nil
}

// Patient returns the patient with the given id.
func (m *Memory) Patient(id string) (*Patient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	return p, ok
}

// Patients returns all patients in insertion order.
func (m *Memory) Patients() []*Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Patient, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.patients[id])
	}
	return out
}

func (m *Memory) patient(id string) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %q: %w", id, ErrNotFound)
	}
	return p, nil
}

// FindCourse implements CourseStore.
func (m *Memory) FindCourse(_ context.Context, patientID, courseID string) (*plan.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.patient(patientID)
	if err != nil {
		return nil, err
	}
	c := p.findCourse(courseID)
	if c == nil {
		return nil, fmt.Errorf("course %q: %w", courseID, ErrNotFound)
	}
	return c, nil
}

// AddCourse implements CourseStore.
func (m *Memory) AddCourse(_ context.Context, patientID, courseID string) (*plan.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.patient(patientID)
	if err != nil {
		return nil, err
	}
	if p.findCourse(courseID) != nil {
		return nil, fmt.Errorf("course %q: %w", courseID, ErrDuplicateID)
	}
	c := &plan.Course{ID: courseID, PatientID: patientID}
	p.Courses = append(p.Courses, c)
	return c, nil
}

// StructureSets implements ImageStore.
func (m *Memory) StructureSets(_ context.Context, patientID string) ([]plan.StructureSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.patient(patientID)
	if err != nil {
		return nil, err
	}
	out := make([]plan.StructureSet, len(p.StructureSets))
	for i, ss := range p.StructureSets {
		out[i] = *ss
	}
	return out, nil
}

// CopyImageFromOtherPatient implements ImageStore. The image is taken from
// the source patient when that patient is in the store, otherwise from the
// configured ImageSource.
func (m *Memory) CopyImageFromOtherPatient(ctx context.Context, patientID string, src plan.PhantomIdentity) (plan.StructureSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.patient(patientID)
	if err != nil {
		return plan.StructureSet{}, err
	}

	img, err := m.sourceImage(ctx, src)
	if err != nil {
		return plan.StructureSet{}, fmt.Errorf("copy image %s: %w", src, err)
	}
	source := src
	img.Source = &source

	id := img.ID
	for n := 1; p.hasStructureSet(id); n++ {
		id = fmt.Sprintf("%s_%d", img.ID, n)
	}
	ss := &plan.StructureSet{
		ID:        id,
		UID:       uuid.NewString(),
		PatientID: patientID,
		Image:     img,
	}
	p.StructureSets = append(p.StructureSets, ss)
	return *ss, nil
}

func (m *Memory) sourceImage(ctx context.Context, src plan.PhantomIdentity) (plan.Image, error) {
	if other, ok := m.patients[src.PatientID]; ok {
		for _, ss := range other.StructureSets {
			if ss.Image.ID == src.ImageID && ss.Image.StudyID == src.StudyID {
				img := ss.Image
				img.Source = nil
				return img, nil
			}
		}
	}
	if m.images == nil {
		return plan.Image{}, ErrNotFound
	}
	return m.images.LoadImage(ctx, src)
}

// AddVerificationPlan implements PlanEditor. The new plan is attached to the
// course immediately under a provisional id.
func (m *Memory) AddVerificationPlan(_ context.Context, patientID, courseID string, ss plan.StructureSet, verified *plan.TreatmentPlan) (*plan.VerificationPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.patient(patientID)
	if err != nil {
		return nil, err
	}
	c := p.findCourse(courseID)
	if c == nil {
		return nil, fmt.Errorf("course %q: %w", courseID, ErrNotFound)
	}
	if !p.hasStructureSet(ss.ID) {
		return nil, fmt.Errorf("structure set %q: %w", ss.ID, ErrNotFound)
	}
	if verified == nil {
		return nil, fmt.Errorf("verified plan is required")
	}

	id := "Plan1"
	for n := 2; c.HasPlan(id); n++ {
		id = fmt.Sprintf("Plan%d", n)
	}
	vp := &plan.VerificationPlan{
		ID:             id,
		UID:            uuid.NewString(),
		PatientID:      patientID,
		CourseID:       courseID,
		VerifiedPlanID: verified.ID,
		StructureSet:   ss,
	}
	c.VerificationPlans = append(c.VerificationPlans, vp)
	return vp, nil
}

// RenamePlan implements PlanEditor.
func (m *Memory) RenamePlan(_ context.Context, vp *plan.VerificationPlan, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.courseOf(vp)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("plan id is required")
	}
	if id == vp.ID {
		return nil
	}
	if c.HasPlan(id) {
		return fmt.Errorf("plan %q in course %q: %w", id, c.ID, ErrDuplicateID)
	}
	vp.ID = id
	return nil
}

func (m *Memory) courseOf(vp *plan.VerificationPlan) (*plan.Course, error) {
	p, err := m.patient(vp.PatientID)
	if err != nil {
		return nil, err
	}
	c := p.findCourse(vp.CourseID)
	if c == nil {
		return nil, fmt.Errorf("course %q: %w", vp.CourseID, ErrNotFound)
	}
	return c, nil
}

func nextBeamID(vp *plan.VerificationPlan) string {
	id := fmt.Sprintf("Field %d", len(vp.Beams)+1)
	for n := len(vp.Beams) + 2; ; n++ {
		if _, taken := vp.FindBeam(id); !taken {
			return id
		}
		id = fmt.Sprintf("Field %d", n)
	}
}

// AddArcBeam implements PlanEditor.
func (m *Memory) AddArcBeam(_ context.Context, vp *plan.VerificationPlan, spec plan.ArcBeamSpec) (*plan.VerificationBeam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(spec.MetersetWeights) < 2 {
		return nil, fmt.Errorf("arc beam needs at least 2 control points, got %d", len(spec.MetersetWeights))
	}
	if spec.Machine.MachineID == "" {
		return nil, fmt.Errorf("arc beam: machine id is required")
	}
	b := &plan.VerificationBeam{
		ID:              nextBeamID(vp),
		Technique:       plan.TechniqueArc,
		MLCPlanType:     plan.TechniqueArc.String(),
		Machine:         spec.Machine,
		MetersetWeights: append([]float64(nil), spec.MetersetWeights...),
		CollimatorAngle: spec.CollimatorAngle,
		GantryStart:     spec.GantryStart,
		GantryStop:      spec.GantryStop,
		Direction:       spec.Direction,
		CouchAngle:      spec.CouchAngle,
		Isocenter:       spec.Isocenter,
	}
	vp.Beams = append(vp.Beams, b)
	return b, nil
}

// AddFluenceBeam implements PlanEditor.
func (m *Memory) AddFluenceBeam(_ context.Context, vp *plan.VerificationPlan, spec plan.FluenceBeamSpec) (*plan.VerificationBeam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(spec.MetersetWeights) == 0 {
		return nil, fmt.Errorf("fluence beam needs control points")
	}
	if spec.Machine.MachineID == "" {
		return nil, fmt.Errorf("fluence beam: machine id is required")
	}
	b := &plan.VerificationBeam{
		ID:              nextBeamID(vp),
		Technique:       plan.TechniqueStepOrSliding,
		MLCPlanType:     plan.TechniqueStepOrSliding.String(),
		Machine:         spec.Machine,
		MetersetWeights: append([]float64(nil), spec.MetersetWeights...),
		CollimatorAngle: spec.CollimatorAngle,
		GantryStart:     spec.GantryAngle,
		GantryStop:      spec.GantryAngle,
		Direction:       plan.GantryNone,
		CouchAngle:      spec.CouchAngle,
		Isocenter:       spec.Isocenter,
	}
	vp.Beams = append(vp.Beams, b)
	return b, nil
}

// RenameBeam implements PlanEditor.
func (m *Memory) RenameBeam(_ context.Context, vp *plan.VerificationPlan, beam *plan.VerificationBeam, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return fmt.Errorf("beam id is required")
	}
	if id == beam.ID {
		return nil
	}
	if _, taken := vp.FindBeam(id); taken {
		return fmt.Errorf("beam %q in plan %q: %w", id, vp.ID, ErrDuplicateID)
	}
	beam.ID = id
	return nil
}

// EditableParameters implements PlanEditor.
func (m *Memory) EditableParameters(_ context.Context, beam plan.Beam) (plan.EditableParameters, error) {
	params := plan.EditableParameters{
		Isocenter:     beam.Isocenter,
		ControlPoints: make([]plan.ApertureParameters, len(beam.ControlPoints)),
	}
	for i, cp := range beam.ControlPoints {
		leaves := make([][]float64, len(cp.LeafPositions))
		for j, bank := range cp.LeafPositions {
			leaves[j] = append([]float64(nil), bank...)
		}
		params.ControlPoints[i] = plan.ApertureParameters{
			MetersetWeight: cp.MetersetWeight,
			Jaws:           cp.Jaws,
			LeafPositions:  leaves,
		}
	}
	return params, nil
}

// ApplyParameters implements PlanEditor.
func (m *Memory) ApplyParameters(_ context.Context, vp *plan.VerificationPlan, beam *plan.VerificationBeam, params plan.EditableParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := vp.FindBeam(beam.ID); !ok {
		return fmt.Errorf("beam %q in plan %q: %w", beam.ID, vp.ID, ErrNotFound)
	}
	if len(params.ControlPoints) != len(beam.MetersetWeights) {
		return fmt.Errorf("beam %q: %d control points in parameters, beam has %d",
			beam.ID, len(params.ControlPoints), len(beam.MetersetWeights))
	}
	beam.Isocenter = params.Isocenter
	beam.Apertures = append([]plan.ApertureParameters(nil), params.ControlPoints...)
	for i, cp := range params.ControlPoints {
		beam.MetersetWeights[i] = cp.MetersetWeight
	}
	return nil
}

// SetPrescription implements PlanEditor.
func (m *Memory) SetPrescription(_ context.Context, vp *plan.VerificationPlan, p plan.Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Fractions <= 0 {
		return fmt.Errorf("number of fractions must be > 0, got %d", p.Fractions)
	}
	if p.DosePerFraction.Value <= 0 {
		return fmt.Errorf("dose per fraction must be > 0, got %v", p.DosePerFraction.Value)
	}
	rx := p
	vp.Prescription = &rx
	return nil
}

// SetCalculationModel implements PlanEditor.
func (m *Memory) SetCalculationModel(_ context.Context, vp *plan.VerificationPlan, t plan.CalculationType, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model == "" {
		return fmt.Errorf("%s calculation model is empty", t)
	}
	if vp.CalculationModels == nil {
		vp.CalculationModels = make(map[plan.CalculationType]string)
	}
	vp.CalculationModels[t] = model
	return nil
}

// CalculateDose implements DoseCalculator.
func (m *Memory) CalculateDose(ctx context.Context, vp *plan.VerificationPlan) (plan.CalculationResult, error) {
	return m.calculate(ctx, vp, nil)
}

// CalculateDoseWithPresets implements DoseCalculator.
func (m *Memory) CalculateDoseWithPresets(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) (plan.CalculationResult, error) {
	if presets == nil {
		presets = []plan.PresetValue{}
	}
	return m.calculate(ctx, vp, presets)
}

func (m *Memory) calculate(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) (plan.CalculationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return plan.CalculationResult{}, fmt.Errorf("no dose engine configured")
	}
	res := m.engine.Calculate(ctx, vp, presets)
	vp.Dose = &res
	return res, nil
}
