// Package dose provides dose engines for the in-memory record store. None
// of them computes dose: Preflight only checks that a plan could be sent to
// a real engine.
package dose

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

// Preflight validates calculation inputs and reports what a real engine
// would be asked to do.
type Preflight struct{}

var _ record.DoseEngine = Preflight{}

// Calculate implements record.DoseEngine.
func (Preflight) Calculate(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) plan.CalculationResult {
	if err := ctx.Err(); err != nil {
		return plan.CalculationResult{Output: err.Error()}
	}

	var problems []string
	if len(vp.Beams) == 0 {
		problems = append(problems, "plan has no beams")
	}
	if vp.Prescription == nil {
		problems = append(problems, "plan has no prescription")
	}
	if vp.CalculationModels[plan.PhotonVolumeDose] == "" {
		problems = append(problems, "no PhotonVolumeDose calculation model")
	}
	for _, b := range vp.Beams {
		if len(b.MetersetWeights) == 0 {
			problems = append(problems, fmt.Sprintf("beam %s has no control points", b.ID))
		}
	}
	for _, p := range presets {
		if _, ok := vp.FindBeam(p.BeamID); !ok {
			problems = append(problems, fmt.Sprintf("preset for unknown beam %s", p.BeamID))
		}
		if p.Meterset.Value <= 0 {
			problems = append(problems, fmt.Sprintf("beam %s: preset meterset must be > 0, got %v", p.BeamID, p.Meterset.Value))
		}
	}

	if len(problems) > 0 {
		return plan.CalculationResult{
			Success: false,
			Output:  "Calculation rejected:\n  " + strings.Join(problems, "\n  "),
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Calculation accepted for plan %s (%s, %d beams)",
		vp.ID, vp.CalculationModels[plan.PhotonVolumeDose], len(vp.Beams))
	if presets != nil {
		b.WriteString(" with preset values:")
		for _, p := range presets {
			fmt.Fprintf(&b, "\n  %s: %.1f %s", p.BeamID, p.Meterset.Value, p.Meterset.Unit)
		}
	}
	return plan.CalculationResult{Success: true, Output: b.String()}
}

// Func adapts a function to record.DoseEngine.
type Func func(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) plan.CalculationResult

// Calculate implements record.DoseEngine.
func (f Func) Calculate(ctx context.Context, vp *plan.VerificationPlan, presets []plan.PresetValue) plan.CalculationResult {
	return f(ctx, vp, presets)
}
