// Package closure computes sequential closure phases per connection level
// and maintains the per-level closure-phase artifacts on disk.
//
// A sequential closure phase of connection level n at starting index i sums
// the n unit-step interferograms from i to i+n and subtracts the single
// connection-n interferogram (i, i+n). Ideally zero, the residual carries the
// multilooking bias signal this repository estimates.
package closure

import (
	"log"
	"math"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/stack"
)

// referencePhase subtracts the per-interferogram reference-pixel phase from
// every valid (non-zero) pixel, in place. Referencing happens before any
// triplet summation so both the wrapped and the cumulative computation see
// identical inputs.
func referencePhase(phase []float32, refPhase []float32, numPix int) {
	for k := range refPhase {
		base := k * numPix
		for p := 0; p < numPix; p++ {
			if phase[base+p] != 0 {
				phase[base+p] -= refPhase[k]
			}
		}
	}
}

// SeqClosurePhase computes the wrapped sequential closure phases of a
// connection level for one spatial block. The result is flattened
// [numTriplets, boxHeight, boxWidth] with every value wrapped into (-pi, pi]
// through the complex-exponential round trip, which stays correct for any
// magnitude of accumulated phase.
func SeqClosurePhase(s *stack.Stack, box blocks.Box, connLevel int) ([]float32, int, error) {
	tuples, err := s.ClosurePhaseIndex(connLevel)
	if err != nil {
		return nil, 0, err
	}
	numCP := len(tuples)
	log.Printf("[ClosurePhase] conn-%d: %d closure measurements expected, %d found",
		connLevel, s.NumDates()-connLevel, numCP)

	phase, err := s.ReadPhase(box)
	if err != nil {
		return nil, 0, err
	}
	numPix := box.NumPixels()
	referencePhase(phase, s.ReferencePhase(), numPix)

	out := make([]float32, numCP*numPix)
	for ti, tuple := range tuples {
		minus := tuple[connLevel]
		for p := 0; p < numPix; p++ {
			var sum float64
			for _, idx := range tuple[:connLevel] {
				sum += float64(phase[idx*numPix+p])
			}
			sum -= float64(phase[minus*numPix+p])
			out[ti*numPix+p] = float32(math.Atan2(math.Sin(sum), math.Cos(sum)))
		}
	}
	return out, numCP, nil
}

// SumSeqClosurePhase computes the cumulative complex sequential closure phase
// of a connection level for one spatial block: unit-magnitude phasors of each
// loop phase are accumulated per pixel so cancellation happens in the complex
// domain. When normalize is set the sum is divided by the triplet count.
func SumSeqClosurePhase(s *stack.Stack, box blocks.Box, connLevel int, normalize bool) ([]complex64, int, error) {
	tuples, err := s.ClosurePhaseIndex(connLevel)
	if err != nil {
		return nil, 0, err
	}
	numCP := len(tuples)

	phase, err := s.ReadPhase(box)
	if err != nil {
		return nil, 0, err
	}
	numPix := box.NumPixels()
	referencePhase(phase, s.ReferencePhase(), numPix)

	acc := make([]complex128, numPix)
	for _, tuple := range tuples {
		minus := tuple[connLevel]
		for p := 0; p < numPix; p++ {
			var sum float64
			for _, idx := range tuple[:connLevel] {
				sum += float64(phase[idx*numPix+p])
			}
			sum -= float64(phase[minus*numPix+p])
			sin, cos := math.Sincos(sum)
			acc[p] += complex(cos, sin)
		}
	}

	out := make([]complex64, numPix)
	for p, v := range acc {
		if normalize {
			v /= complex(float64(numCP), 0)
		}
		out[p] = complex64(v)
	}
	return out, numCP, nil
}
