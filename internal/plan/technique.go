package plan

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Technique is the delivery technique of a beam, resolved once when the beam
// is ingested.
type Technique int

const (
	TechniqueUnsupported Technique = iota
	TechniqueArc
	TechniqueStepOrSliding
	TechniqueSetupOnly
)

// techniqueLabels maps upper-cased MLC plan type labels to a technique.
var techniqueLabels = map[string]Technique{
	"VMAT":           TechniqueArc,
	"ARC":            TechniqueArc,
	"ARCDYNAMIC":     TechniqueArc,
	"DOSEDYNAMIC":    TechniqueStepOrSliding,
	"SLIDING_WINDOW": TechniqueStepOrSliding,
	"STEP_AND_SHOOT": TechniqueStepOrSliding,
	"IMRT":           TechniqueStepOrSliding,
	"SETUP":          TechniqueSetupOnly,
}

// String returns the canonical label of the technique.
func (t Technique) String() string {
	switch t {
	case TechniqueArc:
		return "VMAT"
	case TechniqueStepOrSliding:
		return "DoseDynamic"
	case TechniqueSetupOnly:
		return "SETUP"
	default:
		return "Unsupported"
	}
}

// ParseTechnique classifies an MLC plan type label. Unknown labels map to
// TechniqueUnsupported; they are not an error here because the beam is only
// rejected when something tries to translate it.
func ParseTechnique(label string) Technique {
	key := strings.ToUpper(strings.TrimSpace(label))
	if t, ok := techniqueLabels[key]; ok {
		return t
	}
	return TechniqueUnsupported
}

// GantryDirection is the rotation direction of an arc.
type GantryDirection int

const (
	GantryNone GantryDirection = iota
	GantryClockwise
	GantryCounterClockwise
)

// String returns the short label used in record snapshots.
func (d GantryDirection) String() string {
	switch d {
	case GantryClockwise:
		return "CW"
	case GantryCounterClockwise:
		return "CC"
	default:
		return "NONE"
	}
}

// ParseGantryDirection parses CW, CC or NONE (case-insensitive).
func ParseGantryDirection(s string) (GantryDirection, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CW", "CLOCKWISE":
		return GantryClockwise, nil
	case "CC", "CCW", "COUNTERCLOCKWISE":
		return GantryCounterClockwise, nil
	case "", "NONE":
		return GantryNone, nil
	default:
		return GantryNone, fmt.Errorf("invalid gantry direction: %s (valid: CW, CC, NONE)", s)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d GantryDirection) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *GantryDirection) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseGantryDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
