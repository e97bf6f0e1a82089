package closure

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/raster"
	"github.com/insarkit/closurebias/internal/registry"
	"github.com/insarkit/closurebias/internal/stack"
)

// ConnDir returns the artifact directory of a connection level.
func ConnDir(outdir string, connLevel int) string {
	return filepath.Join(outdir, "closurePhase", fmt.Sprintf("conn%d_cp", connLevel))
}

// CumSeqFile returns the cumulative sequential closure phase container path
// of a connection level.
func CumSeqFile(outdir string, connLevel int) string {
	return filepath.Join(ConnDir(outdir, connLevel), fmt.Sprintf("conn%d_cumSeqClosurePhase.rast", connLevel))
}

// MaskConnCompFile returns the common connected-component mask container path
// of a connection level.
func MaskConnCompFile(outdir string, connLevel int) string {
	return filepath.Join(ConnDir(outdir, connLevel), fmt.Sprintf("conn%d_maskConnComp.rast", connLevel))
}

func tripletFile(connDir string, connLevel, i int, ext string) string {
	return filepath.Join(connDir, fmt.Sprintf("conn%d_filt_%03d.%s.rast", connLevel, i, ext))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ComputeUnwrapClosurePhase produces the closure-phase artifacts of one
// connection level: wrapped sequential closure phases (block-wise), filtered
// interferogram / coherence / re-unwrapped phase per triplet, and the
// cumulative sequential closure phase time series with its common
// connected-component mask. Existing artifacts are never recomputed. reg may
// be nil to skip registry bookkeeping.
func ComputeUnwrapClosurePhase(s *stack.Stack, connLevel int, maxMemoryGB float64, outdir string, reg *registry.Registry) error {
	meta := s.Meta()
	length, width := meta.Length, meta.Width
	dateList := s.DateList()
	numDate := len(dateList)
	numCP := numDate - connLevel
	log.Printf("[ClosurePhase] conn-%d: scene %d x %d, %d acquisitions (%s .. %s)",
		connLevel, length, width, numDate, dateList[0], dateList[numDate-1])

	cumFile := CumSeqFile(outdir, connLevel)
	maskFile := MaskConnCompFile(outdir, connLevel)
	if fileExists(cumFile) && fileExists(maskFile) {
		log.Printf("[ClosurePhase] conn-%d: cumulative closure phase artifacts exist, skip re-generating", connLevel)
		return nil
	}

	connDir := ConnDir(outdir, connLevel)
	if err := os.MkdirAll(connDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory %s: %w", connDir, err)
	}

	// Working set per pixel: the phase cube plus the wrapped closure cube.
	bytesPerPixel := (s.NumIfgrams() + numCP + 4) * 4
	boxes, numBox := blocks.SplitIntoBoxes(length, width, bytesPerPixel, maxMemoryGB)

	closurePhase := make([]float32, numCP*length*width)
	for bi, box := range boxes {
		if numBox > 1 {
			log.Printf("[ClosurePhase] conn-%d: processing patch %d out of %d, box %v", connLevel, bi+1, numBox, box)
		}
		cp, n, err := SeqClosurePhase(s, box, connLevel)
		if err != nil {
			return fmt.Errorf("wrapped closure phase failed for conn-%d box %v: %w", connLevel, box, err)
		}
		if n != numCP {
			return fmt.Errorf("conn-%d box %v produced %d triplets, expected %d", connLevel, box, n, numCP)
		}
		bw, bh := box.Width(), box.Height()
		for ti := 0; ti < numCP; ti++ {
			for y := 0; y < bh; y++ {
				src := (ti*bh + y) * bw
				dst := (ti*length+(box.Y0+y))*width + box.X0
				copy(closurePhase[dst:dst+bw], cp[src:src+bw])
			}
		}
	}

	// Filter each triplet's closure phase and re-unwrap it. Each artifact is
	// gated individually so an interrupted run resumes where it stopped.
	kernel := GaussianKernel(5, 5, 1, 1)
	for i := 0; i < numCP; i++ {
		intFile := tripletFile(connDir, connLevel, i, "int")
		corFile := tripletFile(connDir, connLevel, i, "cor")
		unwFile := tripletFile(connDir, connLevel, i, "unw")
		if fileExists(intFile) && fileExists(corFile) && fileExists(unwFile) {
			continue
		}

		phasor := make([]complex64, length*width)
		for p := range phasor {
			sin, cos := math.Sincos(float64(closurePhase[i*length*width+p]))
			phasor[p] = complex64(complex(cos, sin))
		}
		filt := Convolve(phasor, length, width, kernel)

		intMeta := meta
		intMeta.FileType = ".int"
		c, err := raster.Create(intFile, []raster.DatasetSpec{
			{Name: "interferogram", DType: raster.Complex64, Shape: []int{length, width}},
		}, intMeta)
		if err != nil {
			return err
		}
		if err := c.WriteComplex64("interferogram", filt); err != nil {
			return err
		}

		cor := EstimateCoherence(filt, length, width)
		corMeta := meta
		corMeta.FileType = ".cor"
		c, err = raster.Create(corFile, []raster.DatasetSpec{
			{Name: "coherence", DType: raster.Float32, Shape: []int{length, width}},
		}, corMeta)
		if err != nil {
			return err
		}
		if err := c.WriteFloat32("coherence", cor); err != nil {
			return err
		}

		unw, conncomp := UnwrapPhase(filt, cor, length, width)
		unwMeta := meta
		unwMeta.FileType = ".unw"
		c, err = raster.Create(unwFile, []raster.DatasetSpec{
			{Name: "phase", DType: raster.Float32, Shape: []int{length, width}},
			{Name: "conncomp", DType: raster.Float32, Shape: []int{length, width}},
		}, unwMeta)
		if err != nil {
			return err
		}
		if err := c.WriteFloat32("phase", unw); err != nil {
			return err
		}
		if err := c.WriteFloat32("conncomp", conncomp); err != nil {
			return err
		}
	}

	if err := cumSeqUnwClosurePhase(connLevel, connDir, dateList, meta, cumFile, maskFile); err != nil {
		return err
	}

	if reg != nil {
		if _, err := reg.Record(s.Path(), connLevel, cumFile); err != nil {
			return err
		}
	}
	return nil
}

// cumSeqUnwClosurePhase accumulates the per-triplet unwrapped closure phases
// into a time series of numDate epochs: cumulative sums for the first
// numDate-connLevel+1 epochs, a linear extension from the last sum for the
// remaining connLevel-1 epochs, all divided by the connection level.
func cumSeqUnwClosurePhase(connLevel int, connDir string, dateList []string, meta raster.Meta, cumFile, maskFile string) error {
	length, width := meta.Length, meta.Width
	numPix := length * width

	// Triplet artifacts are addressed by index, not by directory listing:
	// lexicographic file order diverges from triplet order past 999.
	numFile := len(dateList) - connLevel
	unwFiles := make([]string, numFile)
	for i := range unwFiles {
		unwFiles[i] = tripletFile(connDir, connLevel, i, "unw")
		if !fileExists(unwFiles[i]) {
			return fmt.Errorf("unwrapped artifact %s for conn-%d is missing", unwFiles[i], connLevel)
		}
	}

	log.Printf("[ClosurePhase] conn-%d: accumulating %d unwrapped sequential closure phases", connLevel, numFile)
	cpPhase := make([]float32, numFile*numPix)
	valid := make([]bool, numPix)
	for p := range valid {
		valid[p] = true
	}
	for i, unwFile := range unwFiles {
		c, err := raster.Open(unwFile)
		if err != nil {
			return err
		}
		unw, _, err := c.ReadFloat32("phase", nil)
		if err != nil {
			return err
		}
		refVal := unw[meta.RefY*width+meta.RefX]
		for p := range unw {
			cpPhase[i*numPix+p] = unw[p] - refVal
		}

		conncomp, _, err := c.ReadFloat32("conncomp", nil)
		if err != nil {
			return err
		}
		for p := range conncomp {
			if conncomp[p] < 1 {
				valid[p] = false
			}
		}
	}

	numDate := len(dateList)
	biasTS := make([]float32, numDate*numPix)
	for i := 0; i < numFile && i+1 <= numDate-connLevel; i++ {
		for p := 0; p < numPix; p++ {
			biasTS[(i+1)*numPix+p] = biasTS[i*numPix+p] + cpPhase[i*numPix+p]
		}
	}
	lastSum := numDate - connLevel
	for i := lastSum + 1; i < numDate; i++ {
		k := float32(i - numDate + connLevel)
		for p := 0; p < numPix; p++ {
			biasTS[i*numPix+p] = k*cpPhase[(numFile-1)*numPix+p] + biasTS[lastSum*numPix+p]
		}
	}
	inv := 1 / float32(connLevel)
	for i := range biasTS {
		biasTS[i] *= inv
	}

	tsMeta := meta
	tsMeta.FileType = "timeseries"
	c, err := raster.Create(cumFile, []raster.DatasetSpec{
		{Name: "timeseries", DType: raster.Float32, Shape: []int{numDate, length, width}},
		{Name: "date", DType: raster.Date, Shape: []int{numDate}},
	}, tsMeta)
	if err != nil {
		return err
	}
	if err := c.WriteFloat32("timeseries", biasTS); err != nil {
		return err
	}
	if err := c.WriteDates("date", dateList); err != nil {
		return err
	}

	maskMeta := meta
	maskMeta.FileType = "mask"
	c, err = raster.Create(maskFile, []raster.DatasetSpec{
		{Name: "mask", DType: raster.Bool, Shape: []int{length, width}},
	}, maskMeta)
	if err != nil {
		return err
	}
	return c.WriteBool("mask", valid)
}

// SeqToCum reads the cumulative sequential closure phase time series of a
// connection level for one spatial block, returning the flattened
// [numDate, boxHeight, boxWidth] array and the epoch count.
func SeqToCum(outdir string, connLevel int, box blocks.Box) ([]float32, int, error) {
	c, err := raster.Open(CumSeqFile(outdir, connLevel))
	if err != nil {
		return nil, 0, err
	}
	ts, shape, err := c.ReadFloat32("timeseries", &box)
	if err != nil {
		return nil, 0, err
	}
	return ts, shape[0], nil
}
