package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/plan"
)

// resolvePhantom selects the phantom for the machine of the plan's first beam
// and returns a structure set of the patient holding its image. The image is
// copied into the patient only when no structure set already holds it.
func (s *Service) resolvePhantom(ctx context.Context, patientID string, verified *plan.TreatmentPlan) (Phantom, plan.StructureSet, error) {
	machine := verified.Beams[0].Machine
	ph, ok := s.catalog.Lookup(machine)
	if !ok {
		return Phantom{}, plan.StructureSet{}, fmt.Errorf("%w: %s", ErrUnknownMachine, machineLabel(machine))
	}

	sets, err := s.store.StructureSets(ctx, patientID)
	if err != nil {
		return Phantom{}, plan.StructureSet{}, fmt.Errorf("list structure sets: %w", err)
	}
	for _, ss := range sets {
		if holdsPhantom(ss.Image, ph.Identity) {
			s.log.Debug("reusing phantom image",
				zap.String("structure_set", ss.ID),
				zap.Stringer("phantom", ph.Identity))
			return ph, ss, nil
		}
	}

	ss, err := s.store.CopyImageFromOtherPatient(ctx, patientID, ph.Identity)
	if err != nil {
		return Phantom{}, plan.StructureSet{}, fmt.Errorf("import phantom %s: %w", ph.Identity, err)
	}
	s.log.Info("imported phantom image",
		zap.String("structure_set", ss.ID),
		zap.Stringer("phantom", ph.Identity),
		zap.Stringer("user_origin", ss.Image.UserOrigin))
	return ph, ss, nil
}

// holdsPhantom reports whether img is a copy of the phantom. Images without
// provenance are matched on their id.
func holdsPhantom(img plan.Image, id plan.PhantomIdentity) bool {
	if img.Source != nil {
		return *img.Source == id
	}
	return img.ID == id.ImageID
}

func machineLabel(m plan.Machine) string {
	switch {
	case m.ID == "":
		return m.Name
	case m.Name == "" || m.Name == m.ID:
		return m.ID
	default:
		return fmt.Sprintf("%s (%s)", m.ID, m.Name)
	}
}
