// Package stacktest builds small synthetic interferogram stacks for tests.
package stacktest

import (
	"testing"
	"time"

	"github.com/insarkit/closurebias/internal/raster"
	"github.com/insarkit/closurebias/internal/stack"
)

// PhaseFunc yields the unwrapped phase of interferogram ifgram (spanning date
// indices i1->i2) at pixel (y, x).
type PhaseFunc func(ifgram, i1, i2, y, x int) float32

// Dates returns n acquisition dates spaced 12 days apart from 2020-01-01.
func Dates(n int) []string {
	out := make([]string, n)
	t := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = t.Format("20060102")
		t = t.AddDate(0, 0, 12)
	}
	return out
}

// FullNetwork forms every pair with connection level up to maxConn, plus the
// single bias-free reference pair at refLevel when refLevel > maxConn.
func FullNetwork(dates []string, maxConn, refLevel int) []stack.Pair {
	var pairs []stack.Pair
	n := len(dates)
	for conn := 1; conn <= maxConn; conn++ {
		for i := 0; i+conn < n; i++ {
			pairs = append(pairs, stack.Pair{Date1: dates[i], Date2: dates[i+conn]})
		}
	}
	if refLevel > maxConn {
		for i := 0; i+refLevel < n; i++ {
			pairs = append(pairs, stack.Pair{Date1: dates[i], Date2: dates[i+refLevel]})
		}
	}
	return pairs
}

// Create writes a synthetic stack to path and opens it. phaseFn may be nil,
// which yields an all-zero phase cube.
func Create(t *testing.T, path string, dates []string, pairs []stack.Pair, length, width int, phaseFn PhaseFunc) *stack.Stack {
	t.Helper()
	return CreateBandlimited(t, path, dates, pairs, 0, length, width, phaseFn)
}

// CreateBandlimited is Create with pairs spanning more than bw acquisitions
// flagged dropped: present for closure loops, excluded from the analysis
// network. bw=0 keeps every pair.
func CreateBandlimited(t *testing.T, path string, dates []string, pairs []stack.Pair, bw, length, width int, phaseFn PhaseFunc) *stack.Stack {
	t.Helper()

	dateIdx := make(map[string]int, len(dates))
	for i, d := range dates {
		dateIdx[d] = i
	}

	m := len(pairs)
	var dropped []bool
	if bw > 0 {
		dropped = make([]bool, m)
		for i, p := range pairs {
			if dateIdx[p.Date2]-dateIdx[p.Date1] > bw {
				dropped[i] = true
			}
		}
	}

	phase := make([]float32, m*length*width)
	refPhase := make([]float32, m)
	if phaseFn != nil {
		for k, p := range pairs {
			i1, i2 := dateIdx[p.Date1], dateIdx[p.Date2]
			for y := 0; y < length; y++ {
				for x := 0; x < width; x++ {
					phase[(k*length+y)*width+x] = phaseFn(k, i1, i2, y, x)
				}
			}
		}
	}

	meta := raster.Meta{Length: length, Width: width, Wavelength: 0.0555, RefY: 0, RefX: 0}
	s, err := stack.Create(path, pairs, dropped, refPhase, phase, meta)
	if err != nil {
		t.Fatalf("failed to create synthetic stack: %v", err)
	}
	return s
}
