package report

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/mrsinham/qaforge/internal/plan"
)

func sampleSheet() Sheet {
	source := plan.PhantomIdentity{PatientID: "Trilogy", StudyID: "CT1", ImageID: "ArcCheck"}
	verified := &plan.TreatmentPlan{
		ID: "Prostate_VMAT1",
		Beams: []plan.Beam{
			{ID: "1", Meterset: plan.Meterset{Value: 250, Unit: "MU"}},
			{ID: "2", Meterset: plan.Meterset{Value: 241.5, Unit: "MU"}},
		},
	}
	vp := &plan.VerificationPlan{
		ID:           "Prostate_VMAT1_A",
		StructureSet: plan.StructureSet{ID: "ArcCheck", Image: plan.Image{ID: "ArcCheck", Source: &source}},
		Beams: []*plan.VerificationBeam{
			{
				ID:              "1",
				Technique:       plan.TechniqueArc,
				Machine:         plan.MachineParameters{MachineID: "Trilogy", EnergyMode: "6X", DoseRate: 600},
				MetersetWeights: []float64{0, 0.5, 1},
				GantryStart:     181,
				GantryStop:      179,
				Direction:       plan.GantryClockwise,
			},
			{
				ID:              "2",
				Technique:       plan.TechniqueArc,
				Machine:         plan.MachineParameters{MachineID: "Trilogy", EnergyMode: "6X", DoseRate: 600},
				MetersetWeights: []float64{0, 0.5, 1},
				GantryStart:     179,
				GantryStop:      181,
				Direction:       plan.GantryCounterClockwise,
			},
		},
		Prescription: &plan.Prescription{Fractions: 1, DosePerFraction: plan.Dose{Value: 2, Unit: "Gy"}},
		Dose:         &plan.CalculationResult{Success: true},
	}
	return Sheet{PatientID: "PAT001", CourseID: "QA", Verified: verified, Plan: vp}
}

func readRows(t *testing.T, data []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	return rows
}

func TestWrite_Summary(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleSheet()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	rows := readRows(t, buf.Bytes())

	want := map[string]string{
		"Patient":           "PAT001",
		"Course":            "QA",
		"Verified Plan":     "Prostate_VMAT1",
		"Verification Plan": "Prostate_VMAT1_A",
		"Phantom":           "Trilogy/CT1/ArcCheck",
		"Prescription":      "1 x 2 Gy",
		"Dose":              "calculated",
	}
	got := make(map[string]string)
	for _, row := range rows {
		if len(row) == 2 {
			got[row[0]] = row[1]
		}
	}
	for label, value := range want {
		if got[label] != value {
			t.Errorf("%s: expected %q, got %q", label, value, got[label])
		}
	}
}

func TestWrite_BeamTable(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleSheet()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	rows := readRows(t, buf.Bytes())

	header := -1
	for i, row := range rows {
		if len(row) > 0 && row[0] == BeamHeader[0] {
			header = i
			break
		}
	}
	if header < 0 {
		t.Fatalf("Beam header not found in %v", rows)
	}
	if len(rows) != header+3 {
		t.Fatalf("Expected 2 beam rows, got %d", len(rows)-header-1)
	}

	tests := []struct {
		row       []string
		id        string
		direction string
		mu        string
	}{
		{rows[header+1], "1", "CW", "250"},
		{rows[header+2], "2", "CC", "241.5"},
	}
	for _, tt := range tests {
		if len(tt.row) != len(BeamHeader) {
			t.Fatalf("field %s: expected %d columns, got %v", tt.id, len(BeamHeader), tt.row)
		}
		if tt.row[0] != tt.id || tt.row[1] != "VMAT" || tt.row[2] != "Trilogy" {
			t.Errorf("Unexpected field row %v", tt.row)
		}
		if tt.row[7] != tt.direction {
			t.Errorf("field %s: expected direction %s, got %s", tt.id, tt.direction, tt.row[7])
		}
		if tt.row[10] != tt.mu {
			t.Errorf("field %s: expected MU %s, got %s", tt.id, tt.mu, tt.row[10])
		}
		if tt.row[11] != "3" {
			t.Errorf("field %s: expected 3 control points, got %s", tt.id, tt.row[11])
		}
	}
}

func TestWrite_MissingPlan(t *testing.T) {
	var buf bytes.Buffer
	s := sampleSheet()
	s.Plan = nil
	if err := Write(&buf, s); err == nil {
		t.Error("Expected error for missing verification plan")
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qa.xlsx")
	if err := WriteFile(path, sampleSheet()); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	v, err := f.GetCellValue(SheetName, "B4")
	if err != nil {
		t.Fatalf("GetCellValue failed: %v", err)
	}
	if v != "Prostate_VMAT1_A" {
		t.Errorf("Expected B4 = Prostate_VMAT1_A, got %q", v)
	}
}
