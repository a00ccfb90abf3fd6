package verify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

// resolveCourse finds the QA course of the patient, creating it when it does
// not exist. A completed course is kept and reported as a warning.
func (s *Service) resolveCourse(ctx context.Context, patientID string) (*plan.Course, []string, error) {
	course, err := s.store.FindCourse(ctx, patientID, s.courseID)
	switch {
	case errors.Is(err, record.ErrNotFound):
		course, err = s.store.AddCourse(ctx, patientID, s.courseID)
		if errors.Is(err, record.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoPatient, patientID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("create course %s: %w", s.courseID, err)
		}
		s.log.Info("created QA course", zap.String("course", course.ID))
	case err != nil:
		return nil, nil, fmt.Errorf("find course %s: %w", s.courseID, err)
	}

	var warnings []string
	if course.IsCompleted() {
		msg := fmt.Sprintf("Course %s is set to COMPLETED, please set it to ACTIVE.", course.ID)
		s.log.Warn(msg, zap.String("course", course.ID))
		warnings = append(warnings, msg)
	}
	return course, warnings, nil
}
