package phantom

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/big"
	randv2 "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/zap"

	"github.com/mrsinham/qaforge/internal/config"
	"github.com/mrsinham/qaforge/internal/plan"
)

// ctImageStorage is the CT Image Storage SOP Class UID.
const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// Hounsfield units of the phantom materials.
const (
	huAir     = -1000
	huAcrylic = 120
	huDiode   = 1500
	huLabel   = 3000
)

// rescaleIntercept maps stored values to Hounsfield units.
const rescaleIntercept = -1024

// GeneratorOptions contains all parameters needed to write phantom series.
type GeneratorOptions struct {
	OutputDir      string
	Phantoms       []config.Phantom
	Size           int     // rows and columns per slice (default 128)
	Slices         int     // slices per phantom (default 24)
	PixelSpacing   float64 // mm (default 2.0)
	SliceThickness float64 // mm (default 2.5)
	// Center is where the volume center lands in patient coordinates.
	Center  plan.Vector
	Workers int // 0 = CPU cores
	Logger  *zap.Logger
}

func (o *GeneratorOptions) applyDefaults() {
	if o.Size == 0 {
		o.Size = 128
	}
	if o.Slices == 0 {
		o.Slices = 24
	}
	if o.PixelSpacing == 0 {
		o.PixelSpacing = 2.0
	}
	if o.SliceThickness == 0 {
		o.SliceThickness = 2.5
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// GeneratedFile describes one written slice.
type GeneratedFile struct {
	Path           string
	Identity       plan.PhantomIdentity
	SeriesUID      string
	SOPInstanceUID string
	InstanceNumber int
}

// sliceTask contains everything needed to write one slice.
type sliceTask struct {
	index     int
	file      GeneratedFile
	shape     config.Shape
	size      int
	pixelSeed uint64
	label     string
	metadata  []*dicom.Element
}

// Generate writes one CT series per phantom under
// OutputDir/<patient>/<study>/<image>/.
func Generate(opts GeneratorOptions) ([]GeneratedFile, error) {
	opts.applyDefaults()
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(opts.Phantoms) == 0 {
		return nil, fmt.Errorf("no phantoms to generate")
	}
	if opts.Size < 16 {
		return nil, fmt.Errorf("slice size must be >= 16, got %d", opts.Size)
	}

	var tasks []sliceTask
	for _, p := range opts.Phantoms {
		if !config.IsValid(string(p.Shape)) {
			return nil, fmt.Errorf("phantom %q: invalid shape %q", p.Machine, p.Shape)
		}
		id := p.Identity()
		seriesDir := filepath.Join(opts.OutputDir, id.PatientID, id.StudyID, id.ImageID)
		if err := os.MkdirAll(seriesDir, 0755); err != nil {
			return nil, fmt.Errorf("create series directory: %w", err)
		}

		studyUID := deterministicUID(id.String() + "_study")
		seriesUID := deterministicUID(id.String() + "_series")
		frameOfReferenceUID := deterministicUID(id.String() + "_frame")

		half := float64(opts.Size-1) * opts.PixelSpacing / 2
		zHalf := float64(opts.Slices-1) * opts.SliceThickness / 2

		opts.Logger.Info("generating phantom series",
			zap.String("phantom", id.String()),
			zap.String("shape", string(p.Shape)),
			zap.Int("slices", opts.Slices))

		for n := 1; n <= opts.Slices; n++ {
			sopInstanceUID := deterministicUID(fmt.Sprintf("%s_instance_%d", id, n))
			z := opts.Center.Z - zHalf + float64(n-1)*opts.SliceThickness
			position := []string{
				fmt.Sprintf("%.6f", opts.Center.X-half),
				fmt.Sprintf("%.6f", opts.Center.Y-half),
				fmt.Sprintf("%.6f", z),
			}

			metadata := []*dicom.Element{
				mustNewElement(tag.MediaStorageSOPClassUID, []string{ctImageStorage}),
				mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopInstanceUID}),
				mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
				mustNewElement(tag.SOPClassUID, []string{ctImageStorage}),
				mustNewElement(tag.SOPInstanceUID, []string{sopInstanceUID}),
				mustNewElement(tag.Modality, []string{"CT"}),
				mustNewElement(tag.Manufacturer, []string{"QAFORGE"}),
				mustNewElement(tag.PatientName, []string{id.PatientID + "^PHANTOM"}),
				mustNewElement(tag.PatientID, []string{id.PatientID}),
				mustNewElement(tag.StudyInstanceUID, []string{studyUID}),
				mustNewElement(tag.StudyID, []string{id.StudyID}),
				mustNewElement(tag.StudyDescription, []string{"QA phantom " + p.Machine}),
				mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
				mustNewElement(tag.SeriesNumber, []string{"1"}),
				mustNewElement(tag.SeriesDescription, []string{id.ImageID}),
				mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", n)}),
				mustNewElement(tag.FrameOfReferenceUID, []string{frameOfReferenceUID}),
				mustNewElement(tag.PatientPosition, []string{"HFS"}),
				mustNewElement(tag.ImagePositionPatient, position),
				mustNewElement(tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
				mustNewElement(tag.SliceLocation, []string{fmt.Sprintf("%.6f", z)}),
				mustNewElement(tag.SliceThickness, []string{floatToDS(opts.SliceThickness)}),
				mustNewElement(tag.PixelSpacing, []string{floatToDS(opts.PixelSpacing), floatToDS(opts.PixelSpacing)}),
				mustNewElement(tag.Rows, []int{opts.Size}),
				mustNewElement(tag.Columns, []int{opts.Size}),
				mustNewElement(tag.BitsAllocated, []int{16}),
				mustNewElement(tag.BitsStored, []int{12}),
				mustNewElement(tag.HighBit, []int{11}),
				mustNewElement(tag.PixelRepresentation, []int{0}),
				mustNewElement(tag.SamplesPerPixel, []int{1}),
				mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
				mustNewElement(tag.KVP, []string{"120"}),
				mustNewElement(tag.ConvolutionKernel, []string{"STANDARD"}),
				mustNewElement(tag.RescaleIntercept, []string{floatToDS(rescaleIntercept)}),
				mustNewElement(tag.RescaleSlope, []string{"1"}),
				mustNewElement(tag.RescaleType, []string{"HU"}),
				mustNewElement(tag.WindowCenter, []string{"40"}),
				mustNewElement(tag.WindowWidth, []string{"400"}),
			}

			seedHash := fnv.New64a()
			_, _ = fmt.Fprintf(seedHash, "%s_pixel_%d", id, n)

			tasks = append(tasks, sliceTask{
				index: len(tasks),
				file: GeneratedFile{
					Path:           filepath.Join(seriesDir, fmt.Sprintf("IMG%04d.dcm", n)),
					Identity:       id,
					SeriesUID:      seriesUID,
					SOPInstanceUID: sopInstanceUID,
					InstanceNumber: n,
				},
				shape:     p.Shape,
				size:      opts.Size,
				pixelSeed: seedHash.Sum64(),
				label:     id.ImageID,
				metadata:  metadata,
			})
		}
	}

	numWorkers := min(opts.Workers, len(tasks))
	taskChan := make(chan sliceTask, len(tasks))
	resultChan := make(chan struct {
		index int
		err   error
	}, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				err := writeSlice(task)
				resultChan <- struct {
					index int
					err   error
				}{task.index, err}
			}
		}()
	}

	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var firstErr error
	for result := range resultChan {
		if result.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write slice %s: %w", tasks[result.index].file.Path, result.err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	files := make([]GeneratedFile, len(tasks))
	for i, task := range tasks {
		files[i] = task.file
	}
	opts.Logger.Info("phantom library written",
		zap.String("dir", opts.OutputDir),
		zap.Int("files", len(files)))
	return files, nil
}

// writeSlice renders the phantom cross-section and writes the DICOM file.
func writeSlice(task sliceTask) error {
	size := task.size
	rng := randv2.New(randv2.NewPCG(task.pixelSeed, task.pixelSeed))
	nativeFrame := frame.NewNativeFrame[uint16](16, size, size, size*size, 1)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			hu := material(task.shape, size, x, y)
			if hu != huAir {
				hu += int(math.Round((rng.Float64() - 0.5) * 10))
			}
			nativeFrame.RawData[y*size+x] = stored(hu)
		}
	}
	burnLabel(nativeFrame, size, size, task.label, stored(huLabel))

	pixelDataInfo := dicom.PixelDataInfo{
		Frames: []*frame.Frame{
			{
				Encapsulated: false,
				NativeData:   nativeFrame,
			},
		},
	}

	elements := make([]*dicom.Element, len(task.metadata)+1)
	copy(elements, task.metadata)
	elements[len(task.metadata)] = mustNewElement(tag.PixelData, pixelDataInfo)

	return writeDatasetToFile(task.file.Path, dicom.Dataset{Elements: elements})
}

// material returns the Hounsfield value at pixel (x, y) of a phantom.
func material(shape config.Shape, size, x, y int) int {
	c := float64(size-1) / 2
	dx, dy := float64(x)-c, float64(y)-c

	switch shape {
	case config.Cylinder:
		radius := 0.42 * float64(size)
		dist := math.Hypot(dx, dy)
		if dist > radius {
			return huAir
		}
		// Helical diode ring, one detector every 10 degrees.
		ringRadius := 0.8 * radius
		if math.Abs(dist-ringRadius) < 1 {
			angle := math.Atan2(dy, dx) * 180 / math.Pi
			if math.Mod(angle+360, 10) < 2 {
				return huDiode
			}
		}
		return huAcrylic
	default:
		halfWidth := 0.4 * float64(size)
		halfHeight := 0.12 * float64(size)
		if math.Abs(dx) > halfWidth || math.Abs(dy) > halfHeight {
			return huAir
		}
		// Diode plane through the slab center.
		if math.Abs(dy) < 0.5 && x%8 == 0 {
			return huDiode
		}
		return huAcrylic
	}
}

func stored(hu int) uint16 {
	v := hu - rescaleIntercept
	if v < 0 {
		v = 0
	}
	if v > 4095 {
		v = 4095
	}
	return uint16(v)
}

// writeDatasetToFile writes a DICOM dataset to a file
func writeDatasetToFile(filename string, ds dicom.Dataset, opts ...dicom.WriteOption) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return dicom.Write(f, ds, opts...)
}

// mustNewElement creates a new DICOM element, panicking on error.
func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// floatToDS converts a float64 to a DICOM Decimal String.
func floatToDS(f float64) string {
	return fmt.Sprintf("%.6g", f)
}

// deterministicUID derives a DICOM UID from a name using the 2.25 UUID
// root, so regenerating a library keeps the same UIDs.
func deterministicUID(name string) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}
