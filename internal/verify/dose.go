package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/plan"
)

// calculateDose runs the dose calculation matching the plan's technique.
// Step-or-sliding plans are calculated with the monitor units of the source
// beams as presets; arc plans are calculated as a whole.
func (s *Service) calculateDose(ctx context.Context, vp *plan.VerificationPlan, sources []plan.Beam) error {
	if len(vp.Beams) == 0 {
		return fmt.Errorf("verification plan %s has no beams", vp.ID)
	}

	var (
		res plan.CalculationResult
		err error
	)
	switch vp.Beams[0].Technique {
	case plan.TechniqueStepOrSliding:
		presets := make([]plan.PresetValue, 0, len(sources))
		for _, b := range sources {
			presets = append(presets, plan.PresetValue{BeamID: b.ID, Meterset: b.Meterset})
		}
		s.log.Info("calculating dose with presets", zap.String("plan", vp.ID), zap.Int("presets", len(presets)))
		res, err = s.store.CalculateDoseWithPresets(ctx, vp, presets)
	default:
		s.log.Info("calculating dose", zap.String("plan", vp.ID))
		res, err = s.store.CalculateDose(ctx, vp)
	}
	if err != nil {
		return fmt.Errorf("dose calculation: %w", err)
	}
	if !res.Success {
		return &CalculationError{PlanID: vp.ID, Output: res.Output}
	}
	return nil
}
