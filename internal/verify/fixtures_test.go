package verify

import (
	"context"
	"testing"
	"time"

	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/dose"
	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

const testPatient = "PAT001"

var (
	arcCheckOrigin  = plan.Vector{X: 0.5, Y: -1.25, Z: 12}
	mapCheckOrigin  = plan.Vector{X: 3, Y: 0, Z: -7.5}
	arcCheckPhantom = plan.PhantomIdentity{PatientID: "Trilogy", StudyID: "CT1", ImageID: "ArcCheck"}
	mapCheckPhantom = plan.PhantomIdentity{PatientID: "iX", StudyID: "CT2", ImageID: "MapCheck2"}
)

// phantomImages serves the two default phantoms and counts loads.
type phantomImages struct {
	loads int
}

func (p *phantomImages) LoadImage(_ context.Context, id plan.PhantomIdentity) (plan.Image, error) {
	p.loads++
	switch id {
	case arcCheckPhantom:
		return plan.Image{ID: id.ImageID, StudyID: id.StudyID, UserOrigin: arcCheckOrigin}, nil
	case mapCheckPhantom:
		return plan.Image{ID: id.ImageID, StudyID: id.StudyID, UserOrigin: mapCheckOrigin}, nil
	}
	return plan.Image{}, record.ErrNotFound
}

type harness struct {
	store   *record.Memory
	images  *phantomImages
	service *Service
	// calls records the presets of every dose calculation; nil for a
	// whole-plan calculation.
	calls [][]plan.PresetValue
	// fail, when set, is the output of a failed calculation.
	fail string
}

func newHarness(t *testing.T, courses ...*plan.Course) *harness {
	t.Helper()
	h, err := buildHarness(courses...)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	return h
}

func buildHarness(courses ...*plan.Course) (*harness, error) {
	h := &harness{images: &phantomImages{}}
	engine := dose.Func(func(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) plan.CalculationResult {
		h.calls = append(h.calls, presets)
		if h.fail != "" {
			return plan.CalculationResult{Output: h.fail}
		}
		return dose.Preflight{}.Calculate(ctx, vp, presets)
	})
	h.store = record.NewMemory(record.WithImageSource(h.images), record.WithDoseEngine(engine))
	if err := h.store.AddPatient(&record.Patient{ID: testPatient, Courses: courses}); err != nil {
		return nil, err
	}
	h.service = NewFromConfig(h.store, config.Default(), nil)
	return h, nil
}

func (h *harness) run(t *testing.T, p *plan.TreatmentPlan) (*Result, error) {
	t.Helper()
	return h.service.Run(context.Background(), Request{PatientID: testPatient, Plan: p})
}

func (h *harness) qaCourse(t *testing.T) *plan.Course {
	t.Helper()
	c, err := h.store.FindCourse(context.Background(), testPatient, "QA")
	if err != nil {
		t.Fatalf("QA course not found: %v", err)
	}
	return c
}

func controlPoints(n int, gantryStart, gantryStop, collimator float64) []plan.ControlPoint {
	cps := make([]plan.ControlPoint, n)
	for i := range cps {
		frac := 0.0
		if n > 1 {
			frac = float64(i) / float64(n-1)
		}
		cps[i] = plan.ControlPoint{
			GantryAngle:     gantryStart + (gantryStop-gantryStart)*frac,
			CollimatorAngle: collimator,
			MetersetWeight:  frac,
			Jaws:            plan.Jaws{X1: -50, X2: 50, Y1: -60, Y2: 60},
			LeafPositions:   [][]float64{{-10 - float64(i), -5}, {10 + float64(i), 5}},
		}
	}
	return cps
}

func arcBeam(id, machine string, start, stop float64, dir plan.GantryDirection) plan.Beam {
	return plan.Beam{
		ID:              id,
		Machine:         plan.Machine{ID: machine, Name: machine},
		EnergyMode:      "6X",
		DoseRate:        600,
		TechniqueID:     "ARC",
		MLCPlanType:     "VMAT",
		GantryDirection: dir,
		ControlPoints:   controlPoints(5, start, stop, 30),
		Meterset:        plan.Meterset{Value: 250, Unit: "MU"},
		Isocenter:       plan.Vector{X: 11, Y: 22, Z: 33},
		Technique:       plan.TechniqueArc,
	}
}

func fluenceBeam(id, machine string, gantry float64, mu float64) plan.Beam {
	cps := controlPoints(4, gantry, gantry, 15)
	return plan.Beam{
		ID:            id,
		Machine:       plan.Machine{ID: machine, Name: machine},
		EnergyMode:    "6X",
		DoseRate:      400,
		TechniqueID:   "STATIC",
		MLCPlanType:   "DoseDynamic",
		ControlPoints: cps,
		Meterset:      plan.Meterset{Value: mu, Unit: "MU"},
		Isocenter:     plan.Vector{X: -4, Y: 5, Z: 6},
		Technique:     plan.TechniqueStepOrSliding,
	}
}

func setupBeam(id, machine string) plan.Beam {
	return plan.Beam{
		ID:            id,
		Machine:       plan.Machine{ID: machine, Name: machine},
		MLCPlanType:   "Static",
		Setup:         true,
		ControlPoints: controlPoints(1, 0, 0, 0),
		Technique:     plan.TechniqueSetupOnly,
	}
}

func treatmentPlan(id string, beams ...plan.Beam) *plan.TreatmentPlan {
	return &plan.TreatmentPlan{
		ID:                  id,
		Beams:               beams,
		DosePerFraction:     plan.Dose{Value: 2, Unit: "Gy"},
		TreatmentPercentage: 1,
		CalculationModels:   map[plan.CalculationType]string{plan.PhotonVolumeDose: "AAA_15606"},
	}
}

func prostateVMAT() *plan.TreatmentPlan {
	return treatmentPlan("Prostate_VMAT1",
		arcBeam("1", "Trilogy", 181, 179, plan.GantryClockwise),
		arcBeam("2", "Trilogy", 179, 181, plan.GantryCounterClockwise),
	)
}

func headNeckIMRT(machine string) *plan.TreatmentPlan {
	return treatmentPlan("IMRT_Head_Neck1",
		setupBeam("CBCT", machine),
		fluenceBeam("G0", machine, 0, 120),
		fluenceBeam("G72", machine, 72, 95.5),
		fluenceBeam("G144", machine, 144, 110),
	)
}

func completedCourse(id string) *plan.Course {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &plan.Course{ID: id, CompletedAt: &at}
}
