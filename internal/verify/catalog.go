package verify

import (
	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/plan"
)

// Phantom is the QA phantom assigned to a treatment machine.
type Phantom struct {
	Machine  string
	Identity plan.PhantomIdentity
	// GantryRotation is true when the machine can reproduce clinical gantry
	// and collimator angles on its phantom.
	GantryRotation bool
}

// Catalog maps treatment machines to their phantoms.
type Catalog struct {
	byMachine map[string]Phantom
	machines  []string
}

// NewCatalog builds a catalog from configured phantoms. Later entries for
// the same machine are ignored.
func NewCatalog(phantoms []config.Phantom) *Catalog {
	c := &Catalog{byMachine: make(map[string]Phantom, len(phantoms))}
	for _, p := range phantoms {
		if _, exists := c.byMachine[p.Machine]; exists {
			continue
		}
		c.byMachine[p.Machine] = Phantom{
			Machine:        p.Machine,
			Identity:       p.Identity(),
			GantryRotation: p.GantryRotation,
		}
		c.machines = append(c.machines, p.Machine)
	}
	return c
}

// Lookup finds the phantom for a machine by id, then by name.
func (c *Catalog) Lookup(m plan.Machine) (Phantom, bool) {
	if p, ok := c.byMachine[m.ID]; ok {
		return p, true
	}
	if m.Name != "" {
		if p, ok := c.byMachine[m.Name]; ok {
			return p, true
		}
	}
	return Phantom{}, false
}

// Machines returns the known machine identifiers in configuration order.
func (c *Catalog) Machines() []string {
	return append([]string(nil), c.machines...)
}
