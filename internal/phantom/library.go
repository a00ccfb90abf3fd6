// Package phantom reads and writes the CT images of QA phantoms.
package phantom

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/qaforge/internal/plan"
	"github.com/mrsinham/qaforge/internal/record"
)

// slice is the geometry of one CT slice.
type slice struct {
	path     string
	position plan.Vector
}

// volume groups the slices of one phantom image.
type volume struct {
	identity plan.PhantomIdentity
	rows     int
	cols     int
	// spacing is the DICOM PixelSpacing: row spacing then column spacing.
	spacing [2]float64
	slices  []slice
}

// origin returns the geometric center of the volume.
func (v *volume) origin() plan.Vector {
	sort.Slice(v.slices, func(i, j int) bool {
		return v.slices[i].position.Z < v.slices[j].position.Z
	})
	first := v.slices[0].position
	last := v.slices[len(v.slices)-1].position
	return plan.Vector{
		X: first.X + float64(v.cols-1)*v.spacing[1]/2,
		Y: first.Y + float64(v.rows-1)*v.spacing[0]/2,
		Z: (first.Z + last.Z) / 2,
	}
}

// Library indexes phantom CT series found under a directory.
type Library struct {
	root    string
	volumes map[plan.PhantomIdentity]*volume
}

var _ record.ImageSource = (*Library)(nil)

// Open scans root for .dcm files and indexes them by patient, study and
// series description.
func Open(root string) (*Library, error) {
	lib := &Library{root: root, volumes: make(map[plan.PhantomIdentity]*volume)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".dcm") {
			return nil
		}
		if err := lib.add(path); err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open phantom library %s: %w", root, err)
	}
	return lib, nil
}

func (l *Library) add(path string) error {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	var id plan.PhantomIdentity
	if id.PatientID, err = stringValue(ds, tag.PatientID); err != nil {
		return err
	}
	if id.StudyID, err = stringValue(ds, tag.StudyID); err != nil {
		return err
	}
	if id.ImageID, err = stringValue(ds, tag.SeriesDescription); err != nil {
		return err
	}
	rows, err := intValue(ds, tag.Rows)
	if err != nil {
		return err
	}
	cols, err := intValue(ds, tag.Columns)
	if err != nil {
		return err
	}
	spacing, err := floatValues(ds, tag.PixelSpacing, 2)
	if err != nil {
		return err
	}
	pos, err := floatValues(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return err
	}

	v, ok := l.volumes[id]
	if !ok {
		v = &volume{identity: id, rows: rows, cols: cols, spacing: [2]float64{spacing[0], spacing[1]}}
		l.volumes[id] = v
	} else if v.rows != rows || v.cols != cols {
		return fmt.Errorf("slice is %dx%d, series %s is %dx%d", rows, cols, id, v.rows, v.cols)
	}
	v.slices = append(v.slices, slice{path: path, position: plan.Vector{X: pos[0], Y: pos[1], Z: pos[2]}})
	return nil
}

// Identities returns the indexed phantom images, sorted.
func (l *Library) Identities() []plan.PhantomIdentity {
	ids := make([]plan.PhantomIdentity, 0, len(l.volumes))
	for id := range l.volumes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// SliceCount returns the number of slices of an indexed image.
func (l *Library) SliceCount(id plan.PhantomIdentity) int {
	if v, ok := l.volumes[id]; ok {
		return len(v.slices)
	}
	return 0
}

// LoadImage implements record.ImageSource. The user origin of the image is
// the center of the phantom volume.
func (l *Library) LoadImage(ctx context.Context, id plan.PhantomIdentity) (plan.Image, error) {
	if err := ctx.Err(); err != nil {
		return plan.Image{}, err
	}
	v, ok := l.volumes[id]
	if !ok {
		return plan.Image{}, fmt.Errorf("phantom %s in %s: %w", id, l.root, record.ErrNotFound)
	}
	return plan.Image{
		ID:         id.ImageID,
		StudyID:    id.StudyID,
		UserOrigin: v.origin(),
	}, nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) (string, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return "", fmt.Errorf("find %v: %w", t, err)
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", fmt.Errorf("tag %v has no string value", t)
	}
	return strings.TrimSpace(vals[0]), nil
}

func intValue(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("find %v: %w", t, err)
	}
	vals, ok := elem.Value.GetValue().([]int)
	if !ok || len(vals) == 0 {
		return 0, fmt.Errorf("tag %v has no integer value", t)
	}
	return vals[0], nil
}

// floatValues parses a decimal string element with exactly n values.
func floatValues(ds dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("find %v: %w", t, err)
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) != n {
		return nil, fmt.Errorf("tag %v: expected %d values, got %v", t, n, elem.Value)
	}
	out := make([]float64, n)
	for i, s := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("tag %v value %d: %w", t, i, err)
		}
		out[i] = f
	}
	return out, nil
}
