package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/plan"
)

// reconcileGeometry copies the aperture sequence of each step-or-sliding
// source beam onto its verification beam and moves it to the phantom user
// origin. Arc beams already carry their geometry.
func (s *Service) reconcileGeometry(ctx context.Context, vp *plan.VerificationPlan, verified *plan.TreatmentPlan) error {
	byID := make(map[string]plan.Beam, len(verified.Beams))
	for _, b := range verified.Beams {
		byID[b.ID] = b
	}
	origin := vp.StructureSet.Image.UserOrigin

	for _, vb := range vp.Beams {
		if vb.Technique != plan.TechniqueStepOrSliding {
			continue
		}
		src, ok := byID[vb.ID]
		if !ok {
			return fmt.Errorf("no field %s in plan %s", vb.ID, verified.ID)
		}
		params, err := s.store.EditableParameters(ctx, src)
		if err != nil {
			return fmt.Errorf("read parameters of field %s: %w", src.ID, err)
		}
		params.Isocenter = origin
		if err := s.store.ApplyParameters(ctx, vp, vb, params); err != nil {
			return fmt.Errorf("apply parameters to beam %s: %w", vb.ID, err)
		}
		s.log.Debug("reconciled beam geometry",
			zap.String("beam", vb.ID),
			zap.Int("control_points", len(params.ControlPoints)),
			zap.Stringer("isocenter", origin))
	}
	return nil
}
