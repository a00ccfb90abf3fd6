package verify

import (
	"context"
	"fmt"

	"github.com/mrsinham/qaforge/internal/plan"
)

// assignIDs renames created beams to the ids of the beams they were made
// from. created[i] was made from sources[i].
func (s *Service) assignIDs(ctx context.Context, vp *plan.VerificationPlan, created []*plan.VerificationBeam, sources []plan.Beam) error {
	if len(created) != len(sources) {
		return fmt.Errorf("created %d beams for %d fields", len(created), len(sources))
	}

	// A target id may still be held by another created beam under its
	// default name; move everything out of the way first.
	if idsCollide(created, sources) {
		for i, vb := range created {
			if err := s.store.RenameBeam(ctx, vp, vb, fmt.Sprintf("~%d", i)); err != nil {
				return fmt.Errorf("rename beam %s: %w", vb.ID, err)
			}
		}
	}

	for i, vb := range created {
		if err := s.store.RenameBeam(ctx, vp, vb, sources[i].ID); err != nil {
			return fmt.Errorf("rename beam %s to %s: %w", vb.ID, sources[i].ID, err)
		}
	}
	return nil
}

func idsCollide(created []*plan.VerificationBeam, sources []plan.Beam) bool {
	current := make(map[string]int, len(created))
	for i, vb := range created {
		current[vb.ID] = i
	}
	for i, src := range sources {
		if j, ok := current[src.ID]; ok && j != i {
			return true
		}
	}
	return false
}
