package verify

import (
	"context"
	"fmt"

	"github.com/mrsinham/qaforge/internal/plan"
)

// prescribe sets a single-fraction prescription with the verified plan's
// dose per fraction and copies its photon volume dose model.
func (s *Service) prescribe(ctx context.Context, vp *plan.VerificationPlan, verified *plan.TreatmentPlan) error {
	rx := plan.Prescription{
		Fractions:           1,
		DosePerFraction:     verified.DosePerFraction,
		TreatmentPercentage: verified.TreatmentPercentage,
	}
	if err := s.store.SetPrescription(ctx, vp, rx); err != nil {
		return fmt.Errorf("set prescription: %w", err)
	}

	model, ok := verified.CalculationModels[plan.PhotonVolumeDose]
	if !ok || model == "" {
		return fmt.Errorf("plan %s has no %s calculation model", verified.ID, plan.PhotonVolumeDose)
	}
	if err := s.store.SetCalculationModel(ctx, vp, plan.PhotonVolumeDose, model); err != nil {
		return fmt.Errorf("set calculation model: %w", err)
	}
	return nil
}
