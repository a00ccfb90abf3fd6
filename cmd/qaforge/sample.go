package main

import (
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

func runSample(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outputPath := fs.String("output", "record.yaml", "Record file to write")
	patientID := fs.String("patient", "QA-DEMO", "Patient ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := record.NewMemory()
	if err := store.AddPatient(samplePatient(*patientID)); err != nil {
		return err
	}
	if err := store.SaveSnapshot(*outputPath); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Sample record written to %s\n", *outputPath)
	fmt.Fprintf(stdout, "  Patient: %s\n", *patientID)
	fmt.Fprintln(stdout, "  Plans: Prostate_VMAT1 (Trilogy, VMAT), IMRT_Head_Neck1 (iX, sliding window), Brain_Kick1 (couch kick)")
	return nil
}

// samplePatient returns a patient with one clinical course holding plans of
// each supported technique.
func samplePatient(id string) *record.Patient {
	return &record.Patient{
		ID:   id,
		Name: "DEMO^QA",
		Courses: []*plan.Course{{
			ID: "C1",
			Plans: []*plan.TreatmentPlan{
				samplePlan("Prostate_VMAT1", plan.Dose{Value: 2, Unit: "Gy"},
					sampleArc("1", "Trilogy", 181, 179, plan.GantryClockwise, 0),
					sampleArc("2", "Trilogy", 179, 181, plan.GantryCounterClockwise, 0),
				),
				samplePlan("IMRT_Head_Neck1", plan.Dose{Value: 2.12, Unit: "Gy"},
					sampleSetup("CBCT", "iX"),
					sampleFluence("G0", "iX", 0, 132.4),
					sampleFluence("G72", "iX", 72, 118.9),
					sampleFluence("G144", "iX", 144, 141.0),
					sampleFluence("G216", "iX", 216, 127.7),
					sampleFluence("G288", "iX", 288, 120.3),
				),
				samplePlan("Brain_Kick1", plan.Dose{Value: 3, Unit: "Gy"},
					sampleArc("1", "Trilogy", 181, 179, plan.GantryClockwise, 0),
					sampleArc("2", "Trilogy", 30, 330, plan.GantryCounterClockwise, 90),
				),
			},
		}},
	}
}

func samplePlan(id string, rx plan.Dose, beams ...plan.Beam) *plan.TreatmentPlan {
	return &plan.TreatmentPlan{
		ID:                  id,
		Beams:               beams,
		DosePerFraction:     rx,
		TreatmentPercentage: 1,
		CalculationModels:   map[plan.CalculationType]string{plan.PhotonVolumeDose: "AAA_15606"},
	}
}

// sampleControlPoints spreads n control points over a gantry range with a
// sweeping leaf pair.
func sampleControlPoints(n int, start, stop, collimator, couch float64) []plan.ControlPoint {
	cps := make([]plan.ControlPoint, n)
	for i := range cps {
		frac := float64(i) / float64(n-1)
		gap := 10 + 20*math.Sin(frac*math.Pi)
		cps[i] = plan.ControlPoint{
			GantryAngle:         math.Mod(start+(stop-start)*frac+360, 360),
			CollimatorAngle:     collimator,
			PatientSupportAngle: couch,
			MetersetWeight:      frac,
			Jaws:                plan.Jaws{X1: -60, X2: 60, Y1: -70, Y2: 70},
			LeafPositions:       [][]float64{{-gap / 2, -gap / 2}, {gap / 2, gap / 2}},
		}
	}
	return cps
}

func sampleArc(id, machine string, start, stop float64, dir plan.GantryDirection, couch float64) plan.Beam {
	return plan.Beam{
		ID:              id,
		Machine:         plan.Machine{ID: machine, Name: machine},
		EnergyMode:      "6X",
		DoseRate:        600,
		TechniqueID:     "ARC",
		MLCPlanType:     plan.TechniqueArc.String(),
		GantryDirection: dir,
		ControlPoints:   sampleControlPoints(9, start, stop, 30, couch),
		Meterset:        plan.Meterset{Value: 287.5, Unit: "MU"},
		Isocenter:       plan.Vector{X: 2.1, Y: -14.8, Z: 31.5},
	}
}

func sampleFluence(id, machine string, gantry, mu float64) plan.Beam {
	return plan.Beam{
		ID:            id,
		Machine:       plan.Machine{ID: machine, Name: machine},
		EnergyMode:    "6X",
		DoseRate:      400,
		TechniqueID:   "STATIC",
		MLCPlanType:   plan.TechniqueStepOrSliding.String(),
		ControlPoints: sampleControlPoints(6, gantry, gantry, 0, 0),
		Meterset:      plan.Meterset{Value: mu, Unit: "MU"},
		Isocenter:     plan.Vector{X: -3.4, Y: 22.0, Z: -118.6},
	}
}

func sampleSetup(id, machine string) plan.Beam {
	return plan.Beam{
		ID:            id,
		Machine:       plan.Machine{ID: machine, Name: machine},
		EnergyMode:    "6X",
		TechniqueID:   "STATIC",
		MLCPlanType:   "Static",
		Setup:         true,
		ControlPoints: sampleControlPoints(2, 0, 0, 0, 0),
		Meterset:      plan.Meterset{Unit: "MU"},
		Isocenter:     plan.Vector{X: -3.4, Y: 22.0, Z: -118.6},
	}
}
