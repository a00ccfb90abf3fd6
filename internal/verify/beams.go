package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/plan"
)

// checkCouch rejects plans with any beam, setup fields included, that
// rotates the couch.
func checkCouch(beams []plan.Beam) error {
	for _, b := range beams {
		if b.HasCouchKick() {
			return fmt.Errorf("%w (field %s)", ErrCouchKick, b.ID)
		}
	}
	return nil
}

// checkTechniques rejects treatment beams that cannot be reproduced.
func checkTechniques(beams []plan.Beam) error {
	for _, b := range beams {
		switch b.Technique {
		case plan.TechniqueArc, plan.TechniqueStepOrSliding:
			if len(b.ControlPoints) == 0 {
				return fmt.Errorf("field %s has no control points", b.ID)
			}
		default:
			return fmt.Errorf("%w: treatment field %s (%q) is not VMAT or IMRT",
				ErrUnsupportedTechnique, b.ID, b.MLCPlanType)
		}
	}
	return nil
}

// translateBeams adds one verification beam per input beam, in order, placed
// at the user origin of the phantom image.
func (s *Service) translateBeams(ctx context.Context, vp *plan.VerificationPlan, beams []plan.Beam, ph Phantom) ([]*plan.VerificationBeam, error) {
	iso := vp.StructureSet.Image.UserOrigin
	created := make([]*plan.VerificationBeam, 0, len(beams))
	for _, b := range beams {
		vb, err := s.translateBeam(ctx, vp, b, ph, iso)
		if err != nil {
			return created, err
		}
		s.log.Debug("added verification beam",
			zap.String("source", b.ID),
			zap.String("beam", vb.ID),
			zap.Stringer("technique", b.Technique))
		created = append(created, vb)
	}
	return created, nil
}

func (s *Service) translateBeam(ctx context.Context, vp *plan.VerificationPlan, b plan.Beam, ph Phantom, iso plan.Vector) (*plan.VerificationBeam, error) {
	first := b.ControlPoints[0]
	switch b.Technique {
	case plan.TechniqueArc:
		last := b.ControlPoints[len(b.ControlPoints)-1]
		vb, err := s.store.AddArcBeam(ctx, vp, plan.ArcBeamSpec{
			Machine:         b.MachineParameters(),
			MetersetWeights: b.MetersetWeights(),
			CollimatorAngle: first.CollimatorAngle,
			GantryStart:     first.GantryAngle,
			GantryStop:      last.GantryAngle,
			Direction:       b.GantryDirection,
			CouchAngle:      0,
			Isocenter:       iso,
		})
		if err != nil {
			return nil, fmt.Errorf("add arc beam for field %s: %w", b.ID, err)
		}
		return vb, nil
	case plan.TechniqueStepOrSliding:
		var gantry, collimator float64
		if ph.GantryRotation {
			gantry = first.GantryAngle
			collimator = first.CollimatorAngle
		}
		vb, err := s.store.AddFluenceBeam(ctx, vp, plan.FluenceBeamSpec{
			Machine:         b.MachineParameters(),
			MetersetWeights: b.MetersetWeights(),
			CollimatorAngle: collimator,
			GantryAngle:     gantry,
			CouchAngle:      0,
			Isocenter:       iso,
		})
		if err != nil {
			return nil, fmt.Errorf("add fluence beam for field %s: %w", b.ID, err)
		}
		return vb, nil
	default:
		return nil, fmt.Errorf("%w: field %s", ErrUnsupportedTechnique, b.ID)
	}
}
