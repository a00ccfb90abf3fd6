// Package report writes the QA worksheet of a verification plan as an Excel
// workbook, for the physicist who delivers and measures it.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/mrsinham/qaforge/internal/plan"
)

// SheetName is the name of the worksheet holding the report.
const SheetName = "Verification"

// BeamHeader is the header row of the beam table.
var BeamHeader = []string{
	"Field",
	"Technique",
	"Machine",
	"Energy",
	"Dose Rate",
	"Gantry Start",
	"Gantry Stop",
	"Direction",
	"Collimator",
	"Couch",
	"MU",
	"Control Points",
}

var columnWidths = []float64{
	12, // Field
	12, // Technique
	14, // Machine
	10, // Energy
	10, // Dose Rate
	13, // Gantry Start
	13, // Gantry Stop
	10, // Direction
	11, // Collimator
	8,  // Couch
	10, // MU
	15, // Control Points
}

// Sheet describes one verification plan and the plan it verifies.
type Sheet struct {
	PatientID string
	CourseID  string
	Verified  *plan.TreatmentPlan
	Plan      *plan.VerificationPlan
}

// WriteFile writes the workbook of s to path.
func WriteFile(path string, s Sheet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write writes the workbook of s to w.
func Write(w io.Writer, s Sheet) error {
	if s.Plan == nil || s.Verified == nil {
		return fmt.Errorf("report needs both the verification plan and the verified plan")
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	labelStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create label style: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	summary := [][2]interface{}{
		{"Patient", s.PatientID},
		{"Course", s.CourseID},
		{"Verified Plan", s.Verified.ID},
		{"Verification Plan", s.Plan.ID},
		{"Phantom", phantomLabel(s.Plan.StructureSet.Image)},
		{"Prescription", prescriptionLabel(s.Plan.Prescription)},
		{"Dose", doseLabel(s.Plan.Dose)},
	}
	for i, kv := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetName, cell, &[]interface{}{kv[0], kv[1]}); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
		if err := f.SetCellStyle(SheetName, cell, cell, labelStyle); err != nil {
			return fmt.Errorf("failed to set label style: %w", err)
		}
	}

	headerRow := len(summary) + 2
	first, _ := excelize.CoordinatesToCellName(1, headerRow)
	last, _ := excelize.CoordinatesToCellName(len(BeamHeader), headerRow)
	if err := f.SetSheetRow(SheetName, first, &BeamHeader); err != nil {
		return fmt.Errorf("failed to write beam header: %w", err)
	}
	if err := f.SetCellStyle(SheetName, first, last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	mu := make(map[string]plan.Meterset, len(s.Verified.Beams))
	for _, b := range s.Verified.Beams {
		mu[b.ID] = b.Meterset
	}
	for i, b := range s.Plan.Beams {
		cell, _ := excelize.CoordinatesToCellName(1, headerRow+1+i)
		row := beamRow(b, mu[b.ID])
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write field %s: %w", b.ID, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func beamRow(b *plan.VerificationBeam, mu plan.Meterset) []interface{} {
	controlPoints := len(b.MetersetWeights)
	if len(b.Apertures) > 0 {
		controlPoints = len(b.Apertures)
	}
	direction := ""
	if b.Technique == plan.TechniqueArc {
		direction = b.Direction.String()
	}
	return []interface{}{
		b.ID,
		b.Technique.String(),
		b.Machine.MachineID,
		b.Machine.EnergyMode,
		b.Machine.DoseRate,
		b.GantryStart,
		b.GantryStop,
		direction,
		b.CollimatorAngle,
		b.CouchAngle,
		mu.Value,
		controlPoints,
	}
}

func phantomLabel(img plan.Image) string {
	if img.Source != nil {
		return img.Source.String()
	}
	return img.ID
}

func prescriptionLabel(p *plan.Prescription) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("%d x %g %s", p.Fractions, p.DosePerFraction.Value, p.DosePerFraction.Unit)
}

func doseLabel(d *plan.CalculationResult) string {
	switch {
	case d == nil:
		return "not calculated"
	case d.Success:
		return "calculated"
	default:
		return "failed"
	}
}
