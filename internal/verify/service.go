// Package verify synthesizes phantom verification plans from clinical
// treatment plans.
//
// A run resolves the QA course and the phantom image of the patient, then
// builds a verification plan that reproduces every treatment field of the
// verified plan on the phantom, prescribes it for one fraction and
// calculates its dose. The pipeline is strictly sequential; the first fatal
// error stops it and is reported as a *StageError.
package verify

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

const tracerName = "github.com/mrsinham/qaforge/internal/verify"

// Service runs verification plan synthesis against a clinical record store.
type Service struct {
	store     record.Store
	catalog   *Catalog
	log       *zap.Logger
	tracer    trace.Tracer
	courseID  string
	suffix    string
	maxLength int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracerProvider sets where pipeline spans are recorded. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// WithCourse sets the id of the QA course.
func WithCourse(id string) Option {
	return func(s *Service) { s.courseID = id }
}

// WithNaming sets the suffix appended to verification plan ids and the
// maximum plan id length of the record system.
func WithNaming(suffix string, maxLength int) Option {
	return func(s *Service) {
		s.suffix = suffix
		s.maxLength = maxLength
	}
}

// New returns a Service using the given store and phantom catalog.
func New(store record.Store, catalog *Catalog, opts ...Option) *Service {
	s := &Service{
		store:     store,
		catalog:   catalog,
		log:       zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		courseID:  "QA",
		suffix:    plan.DefaultVerificationSuffix,
		maxLength: plan.DefaultMaxPlanIDLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig returns a Service configured from cfg.
func NewFromConfig(store record.Store, cfg config.Config, log *zap.Logger) *Service {
	return New(store, NewCatalog(cfg.Phantoms),
		WithLogger(log),
		WithCourse(cfg.Course),
		WithNaming(cfg.VerificationSuffix, cfg.MaxPlanIDLength),
	)
}

// Request selects the plan to verify.
type Request struct {
	PatientID string
	Plan      *plan.TreatmentPlan
	// PerField additionally creates one uncalculated verification plan per
	// treatment field, named after the field.
	PerField bool
}

// Result describes a successful run.
type Result struct {
	Course   *plan.Course
	Plan     *plan.VerificationPlan
	PerField []*plan.VerificationPlan
	Warnings []string
	Stage    Stage
}

// VerificationID returns the id the verification plan of planID gets.
func (s *Service) VerificationID(planID string) string {
	return plan.VerificationID(planID, s.suffix, s.maxLength)
}

// Run synthesizes the verification plan for req. On failure the returned
// error is a *StageError and the partial result is discarded; a plan shell
// created before the failure stays in the course.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if req.PatientID == "" {
		return nil, &StageError{Stage: StageFailed, Completed: StageIdle, Err: ErrNoPatient}
	}
	if req.Plan == nil {
		return nil, &StageError{Stage: StageFailed, Completed: StageIdle, Err: ErrNoPlan}
	}

	ctx, span := s.tracer.Start(ctx, "Verify", trace.WithAttributes(
		attribute.String("patient.id", req.PatientID),
		attribute.String("plan.id", req.Plan.ID),
		attribute.Bool("per_field", req.PerField),
	))
	defer span.End()

	r := &run{
		Service: s,
		req:     req,
		log:     s.log.With(zap.String("patient", req.PatientID), zap.String("plan", req.Plan.ID)),
		result:  &Result{Stage: StageIdle},
	}
	err := r.execute(ctx)
	if err != nil {
		completed := r.result.Stage
		r.result.Stage = StageFailed
		span.SetAttributes(
			attribute.String("stage", StageFailed.String()),
			attribute.String("completed_stage", completed.String()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stageErr := &StageError{Stage: StageFailed, Completed: completed, Err: err}
		if r.result.Course != nil {
			stageErr.CourseID = r.result.Course.ID
		}
		if r.shell != nil {
			stageErr.PlanID = r.shell.ID
		}
		r.log.Error("verification failed", zap.Stringer("completed_stage", completed), zap.Error(err))
		return nil, stageErr
	}
	span.SetAttributes(
		attribute.String("stage", r.result.Stage.String()),
		attribute.String("verification_plan.id", r.result.Plan.ID),
	)
	r.log.Info("verification plan created",
		zap.String("course", r.result.Course.ID),
		zap.String("verification_plan", r.result.Plan.ID),
		zap.Int("beams", len(r.result.Plan.Beams)))
	return r.result, nil
}

// run is the state of one pipeline execution.
type run struct {
	*Service
	req    Request
	log    *zap.Logger
	result *Result
	// shell is the verification plan being built, once created.
	shell *plan.VerificationPlan
}

func (r *run) advance(stage Stage) {
	r.result.Stage = stage
	r.log.Debug("stage completed", zap.Stringer("stage", stage))
}

func (r *run) execute(ctx context.Context) error {
	verified := r.req.Plan
	beams := verified.TreatmentBeams()
	if len(beams) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTreatmentBeams, verified.ID)
	}

	var course *plan.Course
	err := r.step(ctx, "ResolveCourse", StageCourseResolved, func(ctx context.Context) error {
		var warnings []string
		var err error
		course, warnings, err = r.scoped().resolveCourse(ctx, r.req.PatientID)
		r.result.Course = course
		r.result.Warnings = warnings
		return err
	})
	if err != nil {
		return err
	}

	var (
		ph Phantom
		ss plan.StructureSet
	)
	err = r.step(ctx, "ResolvePhantom", StagePhantomResolved, func(ctx context.Context) error {
		var err error
		ph, ss, err = r.scoped().resolvePhantom(ctx, r.req.PatientID, verified)
		return err
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, "ValidateBeams", StageBeamsValidated, func(context.Context) error {
		if err := checkCouch(verified.Beams); err != nil {
			return err
		}
		return checkTechniques(beams)
	})
	if err != nil {
		return err
	}

	if r.req.PerField {
		for _, b := range beams {
			vp, err := r.build(ctx, course, ss, ph, b.ID, []plan.Beam{b}, false)
			if err != nil {
				return fmt.Errorf("field plan %s: %w", b.ID, err)
			}
			r.result.PerField = append(r.result.PerField, vp)
		}
		r.shell = nil
	}

	vp, err := r.build(ctx, course, ss, ph, r.VerificationID(verified.ID), beams, true)
	if err != nil {
		return err
	}
	r.result.Plan = vp
	return nil
}

// step runs fn in its own span and, on success, advances to stage. A zero
// stage leaves the run's stage untouched.
func (r *run) step(ctx context.Context, name string, stage Stage, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if stage != StageIdle {
		r.advance(stage)
	}
	return nil
}

// scoped returns the service with the run's logger.
func (r *run) scoped() *Service {
	s := *r.Service
	s.log = r.log
	return &s
}

// build creates one verification plan from the given source beams. Only the
// composite plan advances the run's stage.
func (r *run) build(ctx context.Context, course *plan.Course, ss plan.StructureSet, ph Phantom, id string, sources []plan.Beam, composite bool) (*plan.VerificationPlan, error) {
	ctx, span := r.tracer.Start(ctx, "BuildPlan", trace.WithAttributes(
		attribute.String("verification_plan.id", id),
		attribute.Int("beams", len(sources)),
		attribute.Bool("composite", composite),
	))
	defer span.End()

	s := r.scoped()
	stage := func(st Stage) Stage {
		if composite {
			return st
		}
		return StageIdle
	}

	vp, err := s.store.AddVerificationPlan(ctx, r.req.PatientID, course.ID, ss, r.req.Plan)
	if err != nil {
		return nil, fmt.Errorf("create verification plan: %w", err)
	}
	r.shell = vp
	if err := s.store.RenamePlan(ctx, vp, id); err != nil {
		if errors.Is(err, record.ErrDuplicateID) {
			err = fmt.Errorf("%w: %s already exists in course %s", ErrDuplicatePlan, id, course.ID)
		} else {
			err = fmt.Errorf("rename verification plan to %s: %w", id, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.log.Info("created verification plan shell",
		zap.String("verification_plan", vp.ID),
		zap.String("structure_set", ss.ID))

	var created []*plan.VerificationBeam
	steps := []struct {
		name  string
		stage Stage
		fn    func(context.Context) error
	}{
		{"TranslateBeams", StageBeamsTranslated, func(ctx context.Context) error {
			var err error
			created, err = s.translateBeams(ctx, vp, sources, ph)
			return err
		}},
		{"AssignIDs", StageIDsAssigned, func(ctx context.Context) error {
			return s.assignIDs(ctx, vp, created, sources)
		}},
		{"ReconcileGeometry", StageGeometryReconciled, func(ctx context.Context) error {
			return s.reconcileGeometry(ctx, vp, r.req.Plan)
		}},
		{"Prescribe", StagePrescribed, func(ctx context.Context) error {
			return s.prescribe(ctx, vp, r.req.Plan)
		}},
	}
	if composite {
		steps = append(steps, struct {
			name  string
			stage Stage
			fn    func(context.Context) error
		}{"CalculateDose", StageDoseCalculated, func(ctx context.Context) error {
			return s.calculateDose(ctx, vp, sources)
		}})
	}

	for _, st := range steps {
		if err := r.step(ctx, st.name, stage(st.stage), st.fn); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return vp, nil
}
