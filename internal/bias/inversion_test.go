package bias_test

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/insarkit/closurebias/internal/bias"
	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/stack"
	"github.com/insarkit/closurebias/internal/stack/stacktest"
)

// ordinals returns numDate acquisition times in days, evenly spaced.
func ordinals(numDate, days int) []int {
	out := make([]int, numDate)
	for i := range out {
		out[i] = i * days
	}
	return out
}

func TestRepresentativeConnLevel(t *testing.T) {
	ord := ordinals(6, 12)
	if got := bias.AverageConnNSpan(ord, 2); got != 24 {
		t.Errorf("conn-2 average span %v, expected 24", got)
	}
	// Bandwidth 2: 5 conn-1 spans of 12 days and 4 conn-2 spans of 24 days.
	if got, want := bias.AverageTemporalSpan(ord, 2), 156.0/9; math.Abs(got-want) > 1e-9 {
		t.Errorf("bandwidth-2 average span %v, expected %v", got, want)
	}
	if got := bias.RepresentativeConnLevel(ord, 2); got != 1 {
		t.Errorf("bandwidth-2 representative level %d, expected 1", got)
	}
	// Bandwidth 3: average span 22 days sits closest to the conn-2 span.
	if got := bias.RepresentativeConnLevel(ord, 3); got != 2 {
		t.Errorf("bandwidth-3 representative level %d, expected 2", got)
	}
}

func TestEstimateBiasApproxStableRatio(t *testing.T) {
	const numDate, length, width, nl = 6, 2, 3, 3
	const wvl = 5.55
	outdir := t.TempDir()
	numPix := length * width

	// The conn-2 series is exactly half the reference series, so the fine
	// ratio is a stable 0.5 everywhere and no coarse fallback happens.
	ref := func(i, p int) float32 { return float32(i) * float32(p+1) }
	writeCumFile(t, outdir, nl, numDate, length, width, ref)
	writeCumFile(t, outdir, 2, numDate, length, width, func(i, p int) float32 { return ref(i, p) / 2 })

	tbase := evenTbase(numDate, 12)
	box := blocks.Box{X0: 0, Y0: 0, X1: width, Y1: length}
	biasTS, err := bias.EstimateBiasApprox(nl, 2, tbase, ordinals(numDate, 12), wvl, box, outdir)
	if err != nil {
		t.Fatalf("EstimateBiasApprox failed: %v", err)
	}
	if len(biasTS) != numDate*numPix {
		t.Fatalf("expected %d samples, got %d", numDate*numPix, len(biasTS))
	}

	// Representative level is 1 (ratio 1), so the expected series is the
	// fine series divided by coef and scaled by 1/(1-0.5) = 2, which equals
	// the reference series divided by coef.
	coef := -4 * math.Pi / wvl
	for i := 0; i < numDate; i++ {
		for p := 0; p < numPix; p++ {
			got := float64(biasTS[i*numPix+p])
			if math.IsNaN(got) {
				t.Fatalf("epoch %d pixel %d: unexpected NaN", i, p)
			}
			want := float64(ref(i, p)) / coef
			if math.Abs(got-want) > 1e-5 {
				t.Errorf("epoch %d pixel %d: bias %v, expected %v", i, p, got, want)
			}
		}
	}
}

// exactFixture fabricates a bandwidth-2 stack plus conn-2/conn-nl closure
// series with pixel-dependent magnitudes, so some pixels select the fine
// series and others fall back to the rough one.
func exactFixture(t *testing.T, outdir string, numDate, length, width, nl int) *stack.Stack {
	t.Helper()
	ref := func(i, p int) float32 { return float32(i) * (0.2 + 0.05*float32(p)) }
	fine := func(i, p int) float32 {
		g := float32(0.5)
		if p%2 == 1 {
			g = 0.001
		}
		return float32(i) * g
	}
	writeCumFile(t, outdir, nl, numDate, length, width, ref)
	writeCumFile(t, outdir, 2, numDate, length, width, fine)

	dates := stacktest.Dates(numDate)
	pairs := stacktest.FullNetwork(dates, 2, 0)
	return stacktest.Create(t, filepath.Join(t.TempDir(), "stack.rast"), dates, pairs, length, width, nil)
}

func TestEstimateBiasAnchoredAtZero(t *testing.T) {
	const numDate, length, width, nl = 6, 3, 4, 3
	outdir := t.TempDir()
	s := exactFixture(t, outdir, numDate, length, width, nl)

	box := blocks.Box{X0: 0, Y0: 0, X1: width, Y1: length}
	biasTS, echo, err := bias.EstimateBias(s, nl, 2, 5.55, box, outdir)
	if err != nil {
		t.Fatalf("EstimateBias failed: %v", err)
	}
	if echo != box {
		t.Errorf("echoed box %v, expected %v", echo, box)
	}
	numPix := length * width
	if len(biasTS) != numDate*numPix {
		t.Fatalf("expected %d samples, got %d", numDate*numPix, len(biasTS))
	}
	for p := 0; p < numPix; p++ {
		if biasTS[p] != 0 {
			t.Errorf("pixel %d: first epoch %v, expected exactly 0", p, biasTS[p])
		}
	}
	for i, v := range biasTS {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("sample %d: non-finite bias %v", i, v)
		}
	}
}

func TestEstimateBiasBlockwiseMatchesFullRaster(t *testing.T) {
	const numDate, length, width, nl = 6, 7, 4, 3
	outdir := t.TempDir()
	s := exactFixture(t, outdir, numDate, length, width, nl)

	fullBox := blocks.Box{X0: 0, Y0: 0, X1: width, Y1: length}
	full, _, err := bias.EstimateBias(s, nl, 2, 5.55, fullBox, outdir)
	if err != nil {
		t.Fatalf("full-raster pass failed: %v", err)
	}

	tiled := make([]float32, len(full))
	boxes := []blocks.Box{
		{X0: 0, Y0: 0, X1: width, Y1: 3},
		{X0: 0, Y0: 3, X1: width, Y1: length},
	}
	for _, box := range boxes {
		part, _, err := bias.EstimateBias(s, nl, 2, 5.55, box, outdir)
		if err != nil {
			t.Fatalf("box %v failed: %v", box, err)
		}
		bw, bh := box.Width(), box.Height()
		for i := 0; i < numDate; i++ {
			for y := 0; y < bh; y++ {
				src := (i*bh + y) * bw
				dst := (i*length+(box.Y0+y))*width + box.X0
				copy(tiled[dst:dst+bw], part[src:src+bw])
			}
		}
	}

	for i := range full {
		if math.Float32bits(full[i]) != math.Float32bits(tiled[i]) {
			t.Fatalf("sample %d: full %v != tiled %v (must be bit-identical)", i, full[i], tiled[i])
		}
	}
}

func TestEstimateBiasRejectsInconsistentNetwork(t *testing.T) {
	const numDate, length, width, nl = 6, 2, 2, 3
	outdir := t.TempDir()
	ref := func(i, p int) float32 { return float32(i) }
	writeCumFile(t, outdir, nl, numDate, length, width, ref)
	writeCumFile(t, outdir, 2, numDate, length, width, ref)

	// A conn-3 network does not match a bandwidth-2 analysis.
	dates := stacktest.Dates(numDate)
	pairs := stacktest.FullNetwork(dates, 3, 0)
	s := stacktest.Create(t, filepath.Join(t.TempDir(), "stack.rast"), dates, pairs, length, width, nil)

	box := blocks.Box{X0: 0, Y0: 0, X1: width, Y1: length}
	_, _, err := bias.EstimateBias(s, nl, 2, 5.55, box, outdir)
	var netErr *stack.NetworkInconsistencyError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkInconsistencyError, got %v", err)
	}
}
