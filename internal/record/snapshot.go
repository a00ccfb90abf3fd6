package record

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot is the YAML form of a Memory store.
type Snapshot struct {
	Patients []*Patient `yaml:"patients"`
}

// LoadSnapshot reads a YAML snapshot into a new Memory store.
func LoadSnapshot(path string, opts ...Option) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", path, err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", path, err)
	}
	m := NewMemory(opts...)
	for _, p := range snap.Patients {
		if err := m.AddPatient(p); err != nil {
			return nil, fmt.Errorf("record %s: %w", path, err)
		}
	}
	return m, nil
}

// Snapshot returns the current content of the store.
func (m *Memory) Snapshot() Snapshot {
	return Snapshot{Patients: m.Patients()}
}

// SaveSnapshot writes the store as YAML.
func (m *Memory) SaveSnapshot(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Patients: make([]*Patient, 0, len(m.order))}
	for _, id := range m.order {
		snap.Patients = append(snap.Patients, m.patients[id])
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write record %s: %w", path, err)
	}
	return nil
}

// link restores the back references that are not serialized.
func link(p *Patient) {
	for _, ss := range p.StructureSets {
		ss.PatientID = p.ID
	}
	for _, c := range p.Courses {
		c.PatientID = p.ID
		for _, vp := range c.VerificationPlans {
			vp.PatientID = p.ID
			vp.CourseID = c.ID
			vp.StructureSet.PatientID = p.ID
		}
	}
}
