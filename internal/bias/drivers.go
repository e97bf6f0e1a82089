package bias

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/monitoring"
	"github.com/insarkit/closurebias/internal/raster"
	"github.com/insarkit/closurebias/internal/stack"
	"github.com/insarkit/closurebias/internal/units"
	"github.com/insarkit/closurebias/internal/workerpool"
)

// WratioFile returns the path of the decay ratio product.
func WratioFile(outdir string) string {
	return filepath.Join(outdir, "Wratio.rast")
}

// QuickBiasFile returns the path of the approximate bias time series.
func QuickBiasFile(outdir string) string {
	return filepath.Join(outdir, "bias_timeseries_approx.rast")
}

// BiasFile returns the path of the exact bias time series.
func BiasFile(outdir string) string {
	return filepath.Join(outdir, "bias_timeseries.rast")
}

// timeseriesBytesPerPixel sizes block splitting for products holding one
// float32 sample per date plus the cumulative closure phase inputs.
func timeseriesBytesPerPixel(numDate int) int {
	return (3*numDate + 4) * 4
}

// QuickBiasCorrection runs the approximate (quick_estimate) branch: the
// per-level decay ratios and bias velocities for connection levels 1..bw,
// followed by the approximate bias time series derived from the
// connection-nl and connection-2 closure-phase series. Phases are processed
// in centimeters and written back in meters.
func QuickBiasCorrection(s *stack.Stack, nl, bw int, maxMemoryGB float64, outdir string) error {
	if err := s.ValidateBandwidth(bw); err != nil {
		return err
	}
	meta := s.Meta()
	length, width := meta.Length, meta.Width
	dateList := s.DateList()
	numDate := len(dateList)
	wvl := units.MetersToCentimeters(meta.Wavelength)

	tbase, err := s.TBase()
	if err != nil {
		return err
	}
	dateOrdinal, err := s.DateOrdinals()
	if err != nil {
		return err
	}

	boxes, numBox := blocks.SplitIntoBoxes(length, width, timeseriesBytesPerPixel(numDate), maxMemoryGB)

	ratioMeta := meta
	ratioMeta.FileType = "wratio"
	wratioFile, err := raster.Create(WratioFile(outdir), []raster.DatasetSpec{
		{Name: "wratio", DType: raster.Float32, Shape: []int{bw, length, width}},
		{Name: "bias_velocity", DType: raster.Float32, Shape: []int{bw, length, width}},
	}, ratioMeta)
	if err != nil {
		return err
	}

	monitoring.Logf("[QuickBias] estimating decay ratios for connection levels 1..%d", bw)
	for n := 1; n <= bw; n++ {
		for bi, box := range boxes {
			if numBox > 1 {
				monitoring.Logf("[QuickBias] conn-%d: processing patch %d out of %d, box %v", n, bi+1, numBox, box)
			}
			wratio, velocity, err := EstimateRatio(tbase, n, nl, wvl, box, outdir, true)
			if err != nil {
				return fmt.Errorf("decay ratio failed for conn-%d box %v: %w", n, box, err)
			}
			blk := raster.BlockForBox(n-1, n, box)
			if err := wratioFile.WriteBlockFloat32("wratio", wratio, blk); err != nil {
				return err
			}
			if err := wratioFile.WriteBlockFloat32("bias_velocity", velocity, blk); err != nil {
				return err
			}
		}
	}

	tsMeta := meta
	tsMeta.FileType = "timeseries"
	biasFile, err := raster.Create(QuickBiasFile(outdir), []raster.DatasetSpec{
		{Name: "timeseries", DType: raster.Float32, Shape: []int{numDate, length, width}},
		{Name: "date", DType: raster.Date, Shape: []int{numDate}},
	}, tsMeta)
	if err != nil {
		return err
	}
	if err := biasFile.WriteDates("date", dateList); err != nil {
		return err
	}

	monitoring.Logf("[QuickBias] estimating the approximate bias time series")
	for bi, box := range boxes {
		if numBox > 1 {
			monitoring.Logf("[QuickBias] processing patch %d out of %d, box %v", bi+1, numBox, box)
		}
		biasTS, err := EstimateBiasApprox(nl, bw, tbase, dateOrdinal, wvl, box, outdir)
		if err != nil {
			return fmt.Errorf("approximate bias failed for box %v: %w", box, err)
		}
		for i := range biasTS {
			biasTS[i] = units.SamplesToMeters(biasTS[i])
		}
		blk := raster.BlockForBox(0, numDate, box)
		if err := biasFile.WriteBlockFloat32("timeseries", biasTS, blk); err != nil {
			return err
		}
	}
	return nil
}

// BiasCorrection runs the exact (estimate) branch: the per-pixel bias time
// series inversion, dispatched block-wise across a worker pool. Phases are
// processed in centimeters and written back in meters.
func BiasCorrection(ctx context.Context, s *stack.Stack, nl, bw, workers int, maxMemoryGB float64, outdir string) error {
	start := time.Now()
	meta := s.Meta()
	length, width := meta.Length, meta.Width
	dateList := s.DateList()
	numDate := len(dateList)
	wvl := units.MetersToCentimeters(meta.Wavelength)

	tsMeta := meta
	tsMeta.FileType = "timeseries"
	biasFile, err := raster.Create(BiasFile(outdir), []raster.DatasetSpec{
		{Name: "timeseries", DType: raster.Float32, Shape: []int{numDate, length, width}},
		{Name: "date", DType: raster.Date, Shape: []int{numDate}},
	}, tsMeta)
	if err != nil {
		return err
	}
	if err := biasFile.WriteDates("date", dateList); err != nil {
		return err
	}

	boxes, numBox := blocks.SplitIntoBoxes(length, width, timeseriesBytesPerPixel(numDate), maxMemoryGB)
	if workers > numBox {
		workers = numBox
	}
	monitoring.Logf("[BiasEstimate] inverting %d boxes on %d workers", numBox, workers)

	if workers > 1 {
		prev := workerpool.SetThreads(workers)
		defer workerpool.RestoreThreads(prev)
	}

	err = workerpool.Run(ctx, workers, boxes,
		func(box blocks.Box) ([]float32, error) {
			biasTS, _, err := EstimateBias(s, nl, bw, wvl, box, outdir)
			return biasTS, err
		},
		func(box blocks.Box, biasTS []float32) error {
			for i := range biasTS {
				biasTS[i] = units.SamplesToMeters(biasTS[i])
			}
			return biasFile.WriteBlockFloat32("timeseries", biasTS, raster.BlockForBox(0, numDate, box))
		})
	if err != nil {
		return err
	}

	monitoring.Logf("[BiasEstimate] time used: %.1f mins", time.Since(start).Minutes())
	return nil
}
