package bias_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/insarkit/closurebias/internal/bias"
	"github.com/insarkit/closurebias/internal/closure"
	"github.com/insarkit/closurebias/internal/raster"
	"github.com/insarkit/closurebias/internal/stack"
	"github.com/insarkit/closurebias/internal/stack/stacktest"
)

// pipelineStack builds a 5-acquisition stack for a bandwidth-2 analysis with
// connection level 4 as the bias-free reference: the full conn-1/conn-2
// network kept, the single conn-4 pair riding along for closure loops only.
func pipelineStack(t *testing.T, dir string, length, width int, phaseFn stacktest.PhaseFunc) *stack.Stack {
	t.Helper()
	dates := stacktest.Dates(5)
	pairs := stacktest.FullNetwork(dates, 2, 4)
	return stacktest.CreateBandlimited(t, filepath.Join(dir, "stack.rast"), dates, pairs, 2, length, width, phaseFn)
}

func computeClosureLevels(t *testing.T, s *stack.Stack, outdir string, levels ...int) {
	t.Helper()
	for _, n := range levels {
		if err := closure.ComputeUnwrapClosurePhase(s, n, 4.0, outdir, nil); err != nil {
			t.Fatalf("closure phase computation failed for conn-%d: %v", n, err)
		}
	}
}

func TestPipelineConsistentNetwork(t *testing.T) {
	const length, width = 4, 6
	dir := t.TempDir()

	// Every interferogram is a potential difference, so all closure loops
	// cancel exactly. The per-step phases are dyadic fractions, keeping the
	// cancellation bit-exact through the float32 cube.
	s := pipelineStack(t, dir, length, width, func(ifgram, i1, i2, y, x int) float32 {
		g := 0.0625 * float64(1+(y+x)%3)
		return float32(float64(i2-i1) * g)
	})

	outdir := filepath.Join(dir, "out")
	computeClosureLevels(t, s, outdir, 2, 4)

	if err := bias.ClosurePhaseMask(s, 4, 1, 0.3, 4, outdir); err != nil {
		t.Fatalf("ClosurePhaseMask failed: %v", err)
	}
	mc, err := raster.Open(bias.MaskFile(outdir))
	if err != nil {
		t.Fatalf("failed to open mask container: %v", err)
	}
	mask, _, err := mc.ReadBool("mask", nil)
	if err != nil {
		t.Fatalf("failed to read mask: %v", err)
	}
	for p, ok := range mask {
		if !ok {
			t.Fatalf("pixel %d flagged bias-susceptible in a closure-free network", p)
		}
	}

	if err := bias.BiasCorrection(context.Background(), s, 4, 2, 1, 4, outdir); err != nil {
		t.Fatalf("BiasCorrection failed: %v", err)
	}
	c, err := raster.Open(bias.BiasFile(outdir))
	if err != nil {
		t.Fatalf("failed to open bias container: %v", err)
	}
	ts, _, err := c.ReadFloat32("timeseries", nil)
	if err != nil {
		t.Fatalf("failed to read timeseries: %v", err)
	}
	for i, v := range ts {
		if v != 0 {
			t.Fatalf("sample %d: bias %v in a closure-free network, expected 0", i, v)
		}
	}

	if err := bias.QuickBiasCorrection(s, 4, 2, 4, outdir); err != nil {
		t.Fatalf("QuickBiasCorrection failed: %v", err)
	}
	qc, err := raster.Open(bias.QuickBiasFile(outdir))
	if err != nil {
		t.Fatalf("failed to open approximate bias container: %v", err)
	}
	qts, _, err := qc.ReadFloat32("timeseries", nil)
	if err != nil {
		t.Fatalf("failed to read approximate timeseries: %v", err)
	}
	for i, v := range qts {
		if v != 0 {
			t.Fatalf("sample %d: approximate bias %v, expected 0", i, v)
		}
	}
}

func TestPipelineRecoversInjectedBias(t *testing.T) {
	const (
		length, width = 6, 12
		biasEdge      = 6   // pixels at x >= biasEdge carry the injected bias
		biasStep      = 0.4 // radians of conn-1 bias per acquisition step
	)
	dir := t.TempDir()

	// Bias decaying linearly with connection level: full at conn-1, 2/3 at
	// conn-2, gone at the conn-4 reference. A smooth deformation signal
	// rides on top and must drop out of every closure loop.
	decay := map[int]float64{1: 1, 2: 2.0 / 3, 4: 0}
	s := pipelineStack(t, dir, length, width, func(ifgram, i1, i2, y, x int) float32 {
		conn := i2 - i1
		ph := float64(conn) * 0.15 * float64(1+x%2)
		if x >= biasEdge {
			ph += decay[conn] * float64(conn) * biasStep
		}
		return float32(ph)
	})

	outdir := filepath.Join(dir, "out")
	computeClosureLevels(t, s, outdir, 2, 4)

	if err := bias.BiasCorrection(context.Background(), s, 4, 2, 2, 4, outdir); err != nil {
		t.Fatalf("BiasCorrection failed: %v", err)
	}
	c, err := raster.Open(bias.BiasFile(outdir))
	if err != nil {
		t.Fatalf("failed to open bias container: %v", err)
	}
	ts, shape, err := c.ReadFloat32("timeseries", nil)
	if err != nil {
		t.Fatalf("failed to read timeseries: %v", err)
	}
	numDate := shape[0]
	if numDate != 5 {
		t.Fatalf("expected 5 epochs, got %d", numDate)
	}

	// The injected interferogram biases are not mutually consistent, so the
	// recoverable quantity is their least-squares phase-velocity inversion,
	// integrated over the acquisition intervals.
	const dt = 12.0 / 365.25
	rows := [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {0, 2}, {1, 3}, {2, 4}}
	b := mat.NewDense(len(rows), 4, nil)
	d := mat.NewVecDense(len(rows), nil)
	for r, pr := range rows {
		for j := pr[0]; j < pr[1]; j++ {
			b.Set(r, j, dt)
		}
		conn := pr[1] - pr[0]
		d.SetVec(r, decay[conn]*float64(conn)*biasStep)
	}
	var vel mat.VecDense
	if err := vel.SolveVec(b, d); err != nil {
		t.Fatalf("reference least-squares solve failed: %v", err)
	}
	coef := -4 * math.Pi / 5.55
	want := make([]float64, numDate)
	for j := 1; j < numDate; j++ {
		want[j] = want[j-1] + vel.AtVec(j-1)*dt/coef/100
	}

	px := func(y, x, epoch int) float64 {
		return float64(ts[(epoch*length+y)*width+x])
	}

	// Interior pixel of the biased patch: recovered within 1 percent.
	for j := 1; j < numDate; j++ {
		got := px(3, 9, j)
		if math.Abs(got-want[j]) > 0.01*math.Abs(want[j]) {
			t.Errorf("epoch %d: bias %v, expected %v within 1%%", j, got, want[j])
		}
	}
	if got := px(3, 9, 0); got != 0 {
		t.Errorf("first epoch pinned at %v, expected 0", got)
	}

	// Interior pixel of the bias-free patch stays at zero up to the float32
	// residue of the deformation cancellation.
	for j := 0; j < numDate; j++ {
		if got := px(3, 2, j); math.Abs(got) > 1e-6 {
			t.Errorf("epoch %d: bias-free pixel drifted to %v", j, got)
		}
	}
}
