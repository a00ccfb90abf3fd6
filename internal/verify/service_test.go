package verify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/plan"
)

func TestRun_ArcPlan(t *testing.T) {
	h := newHarness(t)
	res, err := h.run(t, prostateVMAT())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	vp := res.Plan
	if vp.ID != "Prostate_VMAT1_A" {
		t.Errorf("Expected plan id Prostate_VMAT1_A, got %s", vp.ID)
	}
	if res.Course.ID != "QA" || vp.CourseID != "QA" {
		t.Errorf("Expected plan in QA course, got %s/%s", res.Course.ID, vp.CourseID)
	}
	if res.Stage != StageDoseCalculated {
		t.Errorf("Expected stage %s, got %s", StageDoseCalculated, res.Stage)
	}
	if vp.StructureSet.Image.Source == nil || *vp.StructureSet.Image.Source != arcCheckPhantom {
		t.Errorf("Expected ArcCheck phantom, got %+v", vp.StructureSet.Image)
	}
	if len(vp.Beams) != 2 {
		t.Fatalf("Expected 2 beams, got %d", len(vp.Beams))
	}

	src := prostateVMAT().Beams
	for i, vb := range vp.Beams {
		if vb.ID != src[i].ID {
			t.Errorf("beam %d: expected id %s, got %s", i, src[i].ID, vb.ID)
		}
		if vb.Isocenter != arcCheckOrigin {
			t.Errorf("beam %s: isocenter %v, want %v", vb.ID, vb.Isocenter, arcCheckOrigin)
		}
		first, last := src[i].ControlPoints[0], src[i].ControlPoints[len(src[i].ControlPoints)-1]
		if vb.GantryStart != first.GantryAngle || vb.GantryStop != last.GantryAngle {
			t.Errorf("beam %s: gantry %v->%v, want %v->%v", vb.ID, vb.GantryStart, vb.GantryStop, first.GantryAngle, last.GantryAngle)
		}
		if vb.Direction != src[i].GantryDirection {
			t.Errorf("beam %s: direction %s, want %s", vb.ID, vb.Direction, src[i].GantryDirection)
		}
		if vb.CollimatorAngle != first.CollimatorAngle {
			t.Errorf("beam %s: collimator %v, want %v", vb.ID, vb.CollimatorAngle, first.CollimatorAngle)
		}
		if vb.CouchAngle != 0 {
			t.Errorf("beam %s: couch %v, want 0", vb.ID, vb.CouchAngle)
		}
		want := src[i].MetersetWeights()
		if len(vb.MetersetWeights) != len(want) {
			t.Fatalf("beam %s: %d weights, want %d", vb.ID, len(vb.MetersetWeights), len(want))
		}
		for j := range want {
			if vb.MetersetWeights[j] != want[j] {
				t.Errorf("beam %s weight %d: %v, want %v", vb.ID, j, vb.MetersetWeights[j], want[j])
			}
		}
	}

	if vp.Prescription == nil || vp.Prescription.Fractions != 1 || vp.Prescription.DosePerFraction.Value != 2 {
		t.Errorf("Unexpected prescription: %+v", vp.Prescription)
	}
	if vp.CalculationModels[plan.PhotonVolumeDose] != "AAA_15606" {
		t.Errorf("Expected copied calculation model, got %v", vp.CalculationModels)
	}
	if len(h.calls) != 1 || h.calls[0] != nil {
		t.Errorf("Expected one whole-plan calculation, got %v", h.calls)
	}
	if vp.Dose == nil || !vp.Dose.Success {
		t.Errorf("Expected successful dose, got %+v", vp.Dose)
	}
}

func TestRun_FluencePlanOnGantryCapableMachine(t *testing.T) {
	h := newHarness(t)
	p := headNeckIMRT("Trilogy")
	res, err := h.run(t, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	vp := res.Plan
	if vp.ID != "IMRT_Head_Neck_A" {
		t.Errorf("Expected plan id IMRT_Head_Neck_A, got %s", vp.ID)
	}
	treatment := p.TreatmentBeams()
	if len(vp.Beams) != len(treatment) {
		t.Fatalf("Expected %d beams (setup excluded), got %d", len(treatment), len(vp.Beams))
	}
	for i, vb := range vp.Beams {
		src := treatment[i]
		if vb.ID != src.ID {
			t.Errorf("beam %d: id %s, want %s", i, vb.ID, src.ID)
		}
		if vb.GantryStart != src.ControlPoints[0].GantryAngle {
			t.Errorf("beam %s: gantry %v, want %v", vb.ID, vb.GantryStart, src.ControlPoints[0].GantryAngle)
		}
		if vb.CollimatorAngle != src.ControlPoints[0].CollimatorAngle {
			t.Errorf("beam %s: collimator %v, want %v", vb.ID, vb.CollimatorAngle, src.ControlPoints[0].CollimatorAngle)
		}
		if vb.Isocenter != arcCheckOrigin {
			t.Errorf("beam %s: isocenter %v, want %v", vb.ID, vb.Isocenter, arcCheckOrigin)
		}
		if len(vb.Apertures) != len(src.ControlPoints) {
			t.Errorf("beam %s: %d apertures, want %d", vb.ID, len(vb.Apertures), len(src.ControlPoints))
		}
	}

	if len(h.calls) != 1 {
		t.Fatalf("Expected 1 calculation, got %d", len(h.calls))
	}
	presets := h.calls[0]
	if len(presets) != len(treatment) {
		t.Fatalf("Expected %d presets, got %v", len(treatment), presets)
	}
	for i, pv := range presets {
		if pv.BeamID != treatment[i].ID || pv.Meterset != treatment[i].Meterset {
			t.Errorf("preset %d: %+v, want %s %+v", i, pv, treatment[i].ID, treatment[i].Meterset)
		}
	}
}

func TestRun_FluencePlanOnStaticGantryMachine(t *testing.T) {
	h := newHarness(t)
	res, err := h.run(t, headNeckIMRT("iX"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Plan.StructureSet.Image.ID != "MapCheck2" {
		t.Errorf("Expected MapCheck2 phantom, got %s", res.Plan.StructureSet.Image.ID)
	}
	for _, vb := range res.Plan.Beams {
		if vb.GantryStart != 0 || vb.GantryStop != 0 || vb.CollimatorAngle != 0 {
			t.Errorf("beam %s: expected gantry and collimator 0, got %v/%v", vb.ID, vb.GantryStart, vb.CollimatorAngle)
		}
		if vb.Isocenter != mapCheckOrigin {
			t.Errorf("beam %s: isocenter %v, want %v", vb.ID, vb.Isocenter, mapCheckOrigin)
		}
	}
}

func TestRun_MachineMatchedByName(t *testing.T) {
	h := newHarness(t)
	p := prostateVMAT()
	for i := range p.Beams {
		p.Beams[i].Machine = plan.Machine{ID: "LINAC-07", Name: "Trilogy"}
	}
	res, err := h.run(t, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Plan.StructureSet.Image.ID != "ArcCheck" {
		t.Errorf("Expected ArcCheck phantom, got %s", res.Plan.StructureSet.Image.ID)
	}
}

func TestRun_SecondRunReportsDuplicate(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run(t, prostateVMAT()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	_, err := h.run(t, prostateVMAT())
	if !errors.Is(err, ErrDuplicatePlan) {
		t.Fatalf("Expected ErrDuplicatePlan, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Expected *StageError, got %T", err)
	}
	if stageErr.Stage != StageFailed {
		t.Errorf("Expected stage %s, got %s", StageFailed, stageErr.Stage)
	}
	if stageErr.Completed != StageBeamsValidated {
		t.Errorf("Expected failure after %s, got %s", StageBeamsValidated, stageErr.Completed)
	}
	if stageErr.PlanID == "" || stageErr.CourseID != "QA" {
		t.Errorf("Expected the shell to be reported, got %+v", stageErr)
	}

	course := h.qaCourse(t)
	if len(course.VerificationPlans) != 2 {
		t.Errorf("Expected the first plan plus the empty shell, got %d plans", len(course.VerificationPlans))
	}
	if h.images.loads != 1 {
		t.Errorf("Expected the phantom to be imported once, got %d imports", h.images.loads)
	}
}

func TestRun_CouchKickAbortsBeforeShell(t *testing.T) {
	tests := []struct {
		name  string
		tp    func() *plan.TreatmentPlan
		field string
	}{
		{
			name: "treatment arc",
			tp: func() *plan.TreatmentPlan {
				p := prostateVMAT()
				p.Beams[1].ControlPoints[2].PatientSupportAngle = 10
				return p
			},
			field: "field 2",
		},
		{
			name: "setup field",
			tp: func() *plan.TreatmentPlan {
				p := prostateVMAT()
				cbct := setupBeam("CBCT", "Trilogy")
				cbct.ControlPoints[0].PatientSupportAngle = 90
				p.Beams = append([]plan.Beam{cbct}, p.Beams...)
				return p
			},
			field: "field CBCT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.run(t, tt.tp())
			if !errors.Is(err, ErrCouchKick) {
				t.Fatalf("Expected ErrCouchKick, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to name %s, got %q", tt.field, err)
			}
			var stageErr *StageError
			if errors.As(err, &stageErr) && stageErr.PlanID != "" {
				t.Errorf("Expected no shell, got %s", stageErr.PlanID)
			}
			if n := len(h.qaCourse(t).VerificationPlans); n != 0 {
				t.Errorf("Expected no verification plan, got %d", n)
			}
		})
	}
}

func TestRun_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		patient string
		tp      *plan.TreatmentPlan
		want    error
	}{
		{name: "no patient", patient: "", tp: prostateVMAT(), want: ErrNoPatient},
		{name: "unknown patient", patient: "NOBODY", tp: prostateVMAT(), want: ErrNoPatient},
		{name: "no plan", patient: testPatient, tp: nil, want: ErrNoPlan},
		{name: "setup only", patient: testPatient, tp: treatmentPlan("Setup1", setupBeam("CBCT", "Trilogy")), want: ErrNoTreatmentBeams},
		{name: "unknown machine", patient: testPatient, tp: treatmentPlan("TB1", arcBeam("1", "TrueBeam", 181, 179, plan.GantryClockwise)), want: ErrUnknownMachine},
		{
			name:    "unsupported technique",
			patient: testPatient,
			tp: func() *plan.TreatmentPlan {
				b := fluenceBeam("E1", "Trilogy", 0, 100)
				b.MLCPlanType = "Electron"
				b.Technique = plan.ParseTechnique(b.MLCPlanType)
				return treatmentPlan("Elec1", b)
			}(),
			want: ErrUnsupportedTechnique,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.service.Run(context.Background(), Request{PatientID: tt.patient, Plan: tt.tp})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Errorf("Expected no result on failure, got %+v", res)
			}
		})
	}
}

func TestRun_DoseFailureSurfacesDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.fail = "Calculation rejected:\n  beam 1: MLC leaf gap too small"
	_, err := h.run(t, prostateVMAT())
	if !errors.Is(err, ErrDoseCalculation) {
		t.Fatalf("Expected ErrDoseCalculation, got %v", err)
	}
	var calcErr *CalculationError
	if !errors.As(err, &calcErr) {
		t.Fatalf("Expected *CalculationError, got %T", err)
	}
	if !strings.Contains(calcErr.Output, "MLC leaf gap too small") {
		t.Errorf("Expected engine output, got %q", calcErr.Output)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Completed != StagePrescribed {
		t.Errorf("Expected failure after %s, got %v", StagePrescribed, err)
	}

	vp, ok := findVerificationPlan(h.qaCourse(t), "Prostate_VMAT1_A")
	if !ok {
		t.Fatal("Expected the prescribed plan to stay in the course")
	}
	if len(vp.Beams) != 2 || vp.Prescription == nil {
		t.Errorf("Expected beams and prescription to be kept, got %+v", vp)
	}
}

func TestRun_CompletedCourseWarns(t *testing.T) {
	h := newHarness(t, completedCourse("QA"))
	res, err := h.run(t, prostateVMAT())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "COMPLETED") {
		t.Errorf("Expected completed course warning, got %v", res.Warnings)
	}
	if len(h.store.Snapshot().Patients[0].Courses) != 1 {
		t.Error("Expected the existing course to be reused")
	}
}

func TestRun_ReusesImportedPhantom(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run(t, prostateVMAT()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	p := prostateVMAT()
	p.ID = "Prostate_VMAT2"
	res, err := h.run(t, p)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if h.images.loads != 1 {
		t.Errorf("Expected one phantom import, got %d", h.images.loads)
	}
	sets, err := h.store.StructureSets(context.Background(), testPatient)
	if err != nil {
		t.Fatalf("StructureSets failed: %v", err)
	}
	if len(sets) != 1 || res.Plan.StructureSet.ID != sets[0].ID {
		t.Errorf("Expected the phantom structure set to be reused, got %v", sets)
	}
}

func TestRun_PerField(t *testing.T) {
	h := newHarness(t)
	p := headNeckIMRT("Trilogy")
	res, err := h.service.Run(context.Background(), Request{PatientID: testPatient, Plan: p, PerField: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	treatment := p.TreatmentBeams()
	if len(res.PerField) != len(treatment) {
		t.Fatalf("Expected %d field plans, got %d", len(treatment), len(res.PerField))
	}
	for i, fp := range res.PerField {
		if fp.ID != treatment[i].ID {
			t.Errorf("field plan %d: id %s, want %s", i, fp.ID, treatment[i].ID)
		}
		if len(fp.Beams) != 1 || fp.Beams[0].ID != treatment[i].ID {
			t.Errorf("field plan %s: unexpected beams %v", fp.ID, fp.Beams)
		}
		if fp.Dose != nil {
			t.Errorf("field plan %s: expected no dose", fp.ID)
		}
		if fp.Prescription == nil {
			t.Errorf("field plan %s: expected a prescription", fp.ID)
		}
	}
	if len(h.calls) != 1 {
		t.Errorf("Expected only the composite plan to be calculated, got %d calculations", len(h.calls))
	}
	if n := len(h.qaCourse(t).VerificationPlans); n != len(treatment)+1 {
		t.Errorf("Expected %d verification plans, got %d", len(treatment)+1, n)
	}
}

func TestRun_ConfiguredCourseAndNaming(t *testing.T) {
	h := newHarness(t)
	cfg := config.Default()
	cfg.Course = "PhysicsQA"
	cfg.VerificationSuffix = "_QA"
	cfg.MaxPlanIDLength = 13
	svc := NewFromConfig(h.store, cfg, nil)

	res, err := svc.Run(context.Background(), Request{PatientID: testPatient, Plan: prostateVMAT()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Course.ID != "PhysicsQA" {
		t.Errorf("Expected PhysicsQA course, got %s", res.Course.ID)
	}
	if res.Plan.ID != "Prostate_V_QA" {
		t.Errorf("Expected Prostate_V_QA, got %s", res.Plan.ID)
	}
}

func TestAssignIDs_SwapsDefaultNames(t *testing.T) {
	h := newHarness(t)
	p := prostateVMAT()
	p.Beams[0].ID = "Field 2"
	p.Beams[1].ID = "Field 1"

	res, err := h.run(t, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Plan.Beams[0].ID != "Field 2" || res.Plan.Beams[1].ID != "Field 1" {
		t.Errorf("Unexpected beam ids: %s, %s", res.Plan.Beams[0].ID, res.Plan.Beams[1].ID)
	}
}

func TestCatalog_Lookup(t *testing.T) {
	c := NewCatalog(config.Default().Phantoms)
	tests := []struct {
		machine plan.Machine
		want    string
		found   bool
	}{
		{machine: plan.Machine{ID: "Trilogy"}, want: "ArcCheck", found: true},
		{machine: plan.Machine{ID: "X", Name: "iX"}, want: "MapCheck2", found: true},
		{machine: plan.Machine{ID: "TrueBeam", Name: "TrueBeam"}, found: false},
	}
	for _, tt := range tests {
		ph, ok := c.Lookup(tt.machine)
		if ok != tt.found {
			t.Errorf("Lookup(%+v) found = %v, want %v", tt.machine, ok, tt.found)
			continue
		}
		if ok && ph.Identity.ImageID != tt.want {
			t.Errorf("Lookup(%+v) = %s, want %s", tt.machine, ph.Identity.ImageID, tt.want)
		}
	}
	if got := c.Machines(); len(got) != 2 || got[0] != "Trilogy" {
		t.Errorf("Unexpected machines: %v", got)
	}
}

func TestStage_String(t *testing.T) {
	if StageIDsAssigned.String() != "IdsAssigned" {
		t.Errorf("Expected IdsAssigned, got %s", StageIDsAssigned)
	}
	if Stage(42).String() != "Stage(42)" {
		t.Errorf("Unexpected unknown stage string: %s", Stage(42))
	}
}

func TestStageError_Message(t *testing.T) {
	err := &StageError{Stage: StageFailed, Completed: StageBeamsValidated, CourseID: "QA", PlanID: "Plan1", Err: ErrDuplicatePlan}
	if !strings.Contains(err.Error(), "Plan1") || !errors.Is(err, ErrDuplicatePlan) {
		t.Errorf("Unexpected error: %v", err)
	}
	bare := &StageError{Stage: StageFailed, Completed: StageIdle, Err: ErrNoPlan}
	if bare.Error() != ErrNoPlan.Error() {
		t.Errorf("Expected bare message, got %q", bare.Error())
	}
}

func findVerificationPlan(c *plan.Course, id string) (*plan.VerificationPlan, bool) {
	for _, vp := range c.VerificationPlans {
		if vp.ID == id {
			return vp, true
		}
	}
	return nil, false
}
