package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/dose"
	"github.com/mrsinham/qaforge/internal/logging"
	"github.com/mrsinham/qaforge/internal/phantom"
	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
	"github.com/mrsinham/qaforge/internal/report"
	"github.com/mrsinham/qaforge/internal/tracing"
	"github.com/mrsinham/qaforge/internal/verify"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "verify"
	if len(args) > 0 {
		switch args[0] {
		case "verify", "phantom", "sample":
			cmd, args = args[0], args[1:]
		case "version", "--version", "-version":
			fmt.Fprintf(stdout, "qaforge %s\n", version)
			return 0
		case "help", "--help", "-help", "-h":
			printHelp(stdout)
			return 0
		}
	}

	var err error
	switch cmd {
	case "phantom":
		err = runPhantom(args, stdout, stderr)
	case "sample":
		err = runSample(args, stdout, stderr)
	default:
		err = runVerify(args, stdout, stderr)
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig returns the defaults, or the given file merged over them.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runVerify(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	recordPath := fs.String("record", "", "Patient record snapshot (YAML) (required)")
	patientID := fs.String("patient", "", "Patient ID (required)")
	planID := fs.String("plan", "", "ID of the treatment plan to verify (required)")
	planCourse := fs.String("plan-course", "", "Course holding the plan (default: search all courses)")
	phantomDir := fs.String("phantoms", "", "Directory of phantom CT series")
	outputPath := fs.String("output", "", "Where to write the updated record (default: --record)")
	course := fs.String("course", "", "QA course ID (overrides config)")
	configFile := fs.String("config", "", "Load configuration from YAML file")
	perField := fs.Bool("per-field", false, "Also create one uncalculated verification plan per field")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logFormat := fs.String("log-format", "", "Log format: console, json (overrides config)")
	dryRun := fs.Bool("dry-run", false, "Do not write the updated record")
	reportPath := fs.String("report", "", "Write the QA worksheet (.xlsx) of the verification plan")
	tracePath := fs.String("trace", "", "Write pipeline spans as JSON to FILE ('-' for stderr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *recordPath == "" {
		return fmt.Errorf("--record is required")
	}
	if *patientID == "" {
		return fmt.Errorf("--patient is required")
	}
	if *planID == "" {
		return fmt.Errorf("--plan is required")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *course != "" {
		cfg.Course = *course
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := []record.Option{record.WithDoseEngine(dose.Preflight{})}
	if *phantomDir != "" {
		lib, err := phantom.Open(*phantomDir)
		if err != nil {
			return err
		}
		logger.Debug("opened phantom library",
			zap.String("dir", *phantomDir),
			zap.Int("images", len(lib.Identities())))
		opts = append(opts, record.WithImageSource(lib))
	}

	store, err := record.LoadSnapshot(*recordPath, opts...)
	if err != nil {
		return err
	}
	verified, err := findPlan(store, *patientID, *planCourse, *planID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTracing(ctx, *tracePath, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("flushing traces failed", zap.Error(err))
		}
	}()

	svc := verify.NewFromConfig(store, cfg, logger)
	res, runErr := svc.Run(ctx, verify.Request{PatientID: *patientID, Plan: verified, PerField: *perField})
	if res != nil {
		for _, w := range res.Warnings {
			fmt.Fprintf(stderr, "Warning: %s\n", w)
		}
	}

	// The record is written on failure too: partial plans stay visible.
	if !*dryRun {
		out := *outputPath
		if out == "" {
			out = *recordPath
		}
		if err := store.SaveSnapshot(out); err != nil {
			if runErr != nil {
				return errors.Join(runErr, err)
			}
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if *reportPath != "" {
		sheet := report.Sheet{PatientID: *patientID, CourseID: res.Course.ID, Verified: verified, Plan: res.Plan}
		if err := report.WriteFile(*reportPath, sheet); err != nil {
			return err
		}
		logger.Info("wrote QA worksheet", zap.String("path", *reportPath))
	}

	for _, fp := range res.PerField {
		fmt.Fprintf(stdout, "Field plan %s created in course %s.\n", fp.ID, res.Course.ID)
	}
	fmt.Fprintf(stdout, "Success - verification plan %s created in course %s.\n", res.Plan.ID, res.Course.ID)
	return nil
}

// initTracing exports spans to path, "-" meaning w. An empty path disables
// tracing.
func initTracing(ctx context.Context, path string, w io.Writer) (func(context.Context) error, error) {
	cfg := tracing.Config{Version: version}
	switch path {
	case "":
		return tracing.Init(ctx, cfg)
	case "-":
		cfg.Writer = w
		cfg.Pretty = true
		return tracing.Init(ctx, cfg)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	cfg.Writer = f
	shutdown, err := tracing.Init(ctx, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), f.Close())
	}, nil
}

// findPlan looks up a treatment plan of the patient, in courseID when set.
func findPlan(store *record.Memory, patientID, courseID, planID string) (*plan.TreatmentPlan, error) {
	p, ok := store.Patient(patientID)
	if !ok {
		return nil, fmt.Errorf("patient %s not found in record", patientID)
	}
	for _, c := range p.Courses {
		if courseID != "" && c.ID != courseID {
			continue
		}
		if tp, ok := c.FindPlan(planID); ok {
			return tp, nil
		}
	}
	return nil, fmt.Errorf("plan %s not found for patient %s", planID, patientID)
}

func runPhantom(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("phantom", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outputDir := fs.String("output", "phantoms", "Output directory")
	configFile := fs.String("config", "", "Load configuration from YAML file")
	size := fs.Int("size", 128, "Rows and columns per slice")
	slices := fs.Int("slices", 24, "Slices per phantom")
	workers := fs.Int("workers", 0, fmt.Sprintf("Number of parallel workers (default: %d = CPU cores)", runtime.NumCPU()))
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	files, err := phantom.Generate(phantom.GeneratorOptions{
		OutputDir: *outputDir,
		Phantoms:  cfg.Phantoms,
		Size:      *size,
		Slices:    *slices,
		Workers:   *workers,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("generating phantoms: %w", err)
	}

	fmt.Fprintf(stdout, "Generated %d phantom slices for %d machines\n", len(files), len(cfg.Phantoms))
	fmt.Fprintf(stdout, "  Phantom directory: %s\n", *outputDir)
	return nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "qaforge")
	fmt.Fprintln(w, "=======")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Create patient-specific QA verification plans on phantoms.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  qaforge [verify] --record <FILE> --patient <ID> --plan <ID> [options]")
	fmt.Fprintln(w, "  qaforge phantom --output <DIR> [options]")
	fmt.Fprintln(w, "  qaforge sample --output <FILE> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "verify options:")
	fmt.Fprintln(w, "  --record <FILE>       Patient record snapshot (YAML)")
	fmt.Fprintln(w, "  --patient <ID>        Patient ID")
	fmt.Fprintln(w, "  --plan <ID>           Treatment plan to verify")
	fmt.Fprintln(w, "  --plan-course <ID>    Course holding the plan (default: search all)")
	fmt.Fprintln(w, "  --phantoms <DIR>      Directory of phantom CT series")
	fmt.Fprintln(w, "  --output <FILE>       Where to write the updated record (default: --record)")
	fmt.Fprintln(w, "  --course <ID>         QA course ID (default: QA)")
	fmt.Fprintln(w, "  --per-field           Also create one verification plan per field")
	fmt.Fprintln(w, "  --dry-run             Do not write the updated record")
	fmt.Fprintln(w, "  --report <FILE>       Write the QA worksheet (.xlsx)")
	fmt.Fprintln(w, "  --trace <FILE|->      Write pipeline spans as JSON")
	fmt.Fprintln(w, "  --config <FILE>       Load configuration from YAML file")
	fmt.Fprintln(w, "  --log-level <LEVEL>   debug, info, warn, error")
	fmt.Fprintln(w, "  --log-format <FMT>    console, json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "phantom options:")
	fmt.Fprintln(w, "  --output <DIR>        Output directory (default: 'phantoms')")
	fmt.Fprintln(w, "  --size <N>            Rows and columns per slice (default: 128)")
	fmt.Fprintln(w, "  --slices <N>          Slices per phantom (default: 24)")
	fmt.Fprintf(w, "  --workers <N>         Number of parallel workers (default: %d = CPU cores)\n", runtime.NumCPU())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "sample options:")
	fmt.Fprintln(w, "  --output <FILE>       Record file to write (default: 'record.yaml')")
	fmt.Fprintln(w, "  --patient <ID>        Patient ID (default: 'QA-DEMO')")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  # Write the phantom library and a sample record, then verify a VMAT plan")
	fmt.Fprintln(w, "  qaforge phantom --output phantoms")
	fmt.Fprintln(w, "  qaforge sample --output record.yaml")
	fmt.Fprintln(w, "  qaforge --record record.yaml --patient QA-DEMO --plan Prostate_VMAT1 --phantoms phantoms")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration (YAML):")
	fmt.Fprintln(w, "  course, verification_suffix, max_plan_id_length, log.level, log.format and")
	fmt.Fprintln(w, "  phantoms: a list of {machine, patient, study, image, gantry_rotation, shape}.")
}
