// Package config loads qaforge settings: the QA course, the verification
// plan naming rule and the catalog of QA phantoms per treatment machine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrsinham/qaforge/internal/plan"
)

// Shape is the geometry of a QA phantom.
type Shape string

const (
	Cylinder Shape = "cylinder" // diode ring phantom
	Slab     Shape = "slab"     // planar diode array
)

// AllShapes returns all supported phantom shapes.
func AllShapes() []Shape {
	return []Shape{Cylinder, Slab}
}

// IsValid checks if a shape string is valid.
func IsValid(s string) bool {
	for _, valid := range AllShapes() {
		if string(valid) == s {
			return true
		}
	}
	return false
}

// Phantom binds a treatment machine to the phantom image used to verify its
// plans.
type Phantom struct {
	Machine string `yaml:"machine"`
	Patient string `yaml:"patient"`
	Study   string `yaml:"study"`
	Image   string `yaml:"image"`
	// GantryRotation is true when the phantom reproduces gantry and
	// collimator angles of fluence beams.
	GantryRotation bool  `yaml:"gantry_rotation"`
	Shape          Shape `yaml:"shape"`
}

// Identity returns the record identity of the phantom image.
func (p Phantom) Identity() plan.PhantomIdentity {
	return plan.PhantomIdentity{PatientID: p.Patient, StudyID: p.Study, ImageID: p.Image}
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete qaforge configuration.
type Config struct {
	Course             string    `yaml:"course"`
	VerificationSuffix string    `yaml:"verification_suffix"`
	MaxPlanIDLength    int       `yaml:"max_plan_id_length"`
	Phantoms           []Phantom `yaml:"phantoms"`
	Log                LogConfig `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Course:             "QA",
		VerificationSuffix: plan.DefaultVerificationSuffix,
		MaxPlanIDLength:    plan.DefaultMaxPlanIDLength,
		Phantoms: []Phantom{
			{Machine: "Trilogy", Patient: "Trilogy", Study: "CT1", Image: "ArcCheck", GantryRotation: true, Shape: Cylinder},
			{Machine: "iX", Patient: "iX", Study: "CT2", Image: "MapCheck2", GantryRotation: false, Shape: Slab},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads a YAML file over the defaults. A missing file is an error; the
// caller decides whether a config file is optional.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config: %s does not exist", path)
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.merge(parsed)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// merge overlays the non-zero fields of o.
func (c *Config) merge(o Config) {
	if o.Course != "" {
		c.Course = o.Course
	}
	if o.VerificationSuffix != "" {
		c.VerificationSuffix = o.VerificationSuffix
	}
	if o.MaxPlanIDLength != 0 {
		c.MaxPlanIDLength = o.MaxPlanIDLength
	}
	if len(o.Phantoms) > 0 {
		c.Phantoms = o.Phantoms
	}
	if o.Log.Level != "" {
		c.Log.Level = o.Log.Level
	}
	if o.Log.Format != "" {
		c.Log.Format = o.Log.Format
	}
	for i := range c.Phantoms {
		if c.Phantoms[i].Shape == "" {
			c.Phantoms[i].Shape = Slab
			if c.Phantoms[i].GantryRotation {
				c.Phantoms[i].Shape = Cylinder
			}
		}
	}
}

// Validate checks if config is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Course) == "" {
		return fmt.Errorf("course id is required")
	}
	if c.VerificationSuffix == "" {
		return fmt.Errorf("verification suffix is required")
	}
	if c.MaxPlanIDLength <= len(c.VerificationSuffix) {
		return fmt.Errorf("max plan id length %d must exceed suffix length %d", c.MaxPlanIDLength, len(c.VerificationSuffix))
	}
	if len(c.Phantoms) == 0 {
		return fmt.Errorf("at least one phantom is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Phantoms {
		if p.Machine == "" {
			return fmt.Errorf("phantom %d: machine is required", i)
		}
		if seen[p.Machine] {
			return fmt.Errorf("phantom %d: machine %q listed twice", i, p.Machine)
		}
		seen[p.Machine] = true
		if p.Patient == "" || p.Study == "" || p.Image == "" {
			return fmt.Errorf("phantom %q: patient, study and image are required", p.Machine)
		}
		if !IsValid(string(p.Shape)) {
			return fmt.Errorf("phantom %q: invalid shape %q, valid shapes: %v", p.Machine, p.Shape, AllShapes())
		}
	}
	return nil
}
