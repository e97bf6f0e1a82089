package bias

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/closure"
	"github.com/insarkit/closurebias/internal/monitoring"
	"github.com/insarkit/closurebias/internal/raster"
	"github.com/insarkit/closurebias/internal/stack"
)

// MaskFile returns the path of the closure-phase reliability mask.
func MaskFile(outdir string) string {
	return filepath.Join(outdir, "maskClosurePhase.rast")
}

// AvgClosurePhaseFile returns the path of the averaged sequential closure
// phase companion product.
func AvgClosurePhaseFile(outdir string) string {
	return filepath.Join(outdir, "avgCpxClosurePhase.rast")
}

// ClosurePhaseMask flags the pixels whose averaged connection-nl sequential
// closure phase stays within numSigma standard deviations of zero, assuming
// the wrapped phase noise is uniform in (-pi, pi] so one triplet contributes
// a variance of pi^2/3. Pixels whose averaged phasor amplitude falls to
// thresholdAmp or below carry no phase information and are kept in the mask.
// Writes the boolean mask and the averaged phase/amplitude product to outdir.
func ClosurePhaseMask(s *stack.Stack, nl int, numSigma, thresholdAmp, maxMemoryGB float64, outdir string) error {
	meta := s.Meta()
	length, width := meta.Length, meta.Width
	numCP := s.NumDates() - nl
	if numCP < 1 {
		return fmt.Errorf("connection-%d yields no closure phases for %d acquisitions", nl, s.NumDates())
	}

	// Phase standard deviation of the average of numCP uniform wrapped phases.
	threshold := math.Pi * numSigma / math.Sqrt(3*float64(numCP))
	monitoring.Logf("[ClosureMask] conn-%d: averaging %d closure phases, phase threshold %.4f rad", nl, numCP, threshold)

	bytesPerPixel := (s.NumIfgrams() + 2*numCP + 4) * 4
	boxes, numBox := blocks.SplitIntoBoxes(length, width, bytesPerPixel, maxMemoryGB)

	mask := make([]bool, length*width)
	avgPhase := make([]float32, length*width)
	avgAmp := make([]float32, length*width)
	for bi, box := range boxes {
		if numBox > 1 {
			monitoring.Logf("[ClosureMask] processing patch %d out of %d, box %v", bi+1, numBox, box)
		}
		avgCP, n, err := closure.SumSeqClosurePhase(s, box, nl, true)
		if err != nil {
			return fmt.Errorf("closure phase averaging failed for box %v: %w", box, err)
		}
		if n != numCP {
			return fmt.Errorf("box %v produced %d closure phases, expected %d", box, n, numCP)
		}
		bw, bh := box.Width(), box.Height()
		for y := 0; y < bh; y++ {
			for x := 0; x < bw; x++ {
				c := avgCP[y*bw+x]
				pha := math.Atan2(float64(imag(c)), float64(real(c)))
				amp := float32(math.Hypot(float64(real(c)), float64(imag(c))))

				good := math.Abs(pha) <= threshold
				if float64(amp) <= thresholdAmp {
					// No interferometric signal at all, e.g. open water.
					good = true
				}
				p := (box.Y0+y)*width + box.X0 + x
				mask[p] = good
				avgPhase[p] = float32(pha)
				avgAmp[p] = amp
			}
		}
	}

	numGood := 0
	for _, m := range mask {
		if m {
			numGood++
		}
	}
	monitoring.Logf("[ClosureMask] %d out of %d pixels pass the closure phase test", numGood, length*width)

	maskMeta := meta
	maskMeta.FileType = "mask"
	c, err := raster.Create(MaskFile(outdir), []raster.DatasetSpec{
		{Name: "mask", DType: raster.Bool, Shape: []int{length, width}},
	}, maskMeta)
	if err != nil {
		return err
	}
	if err := c.WriteBool("mask", mask); err != nil {
		return err
	}

	avgMeta := meta
	avgMeta.FileType = "closurePhase"
	c, err = raster.Create(AvgClosurePhaseFile(outdir), []raster.DatasetSpec{
		{Name: "phase", DType: raster.Float32, Shape: []int{length, width}},
		{Name: "amplitude", DType: raster.Float32, Shape: []int{length, width}},
	}, avgMeta)
	if err != nil {
		return err
	}
	if err := c.WriteFloat32("phase", avgPhase); err != nil {
		return err
	}
	return c.WriteFloat32("amplitude", avgAmp)
}
