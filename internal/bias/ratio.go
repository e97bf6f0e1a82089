// Package bias estimates how fast the closure-phase bias decays with
// interferogram time span and inverts the decay model into a per-pixel bias
// time series that can be subtracted from a displacement time series.
package bias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/closure"
	"github.com/insarkit/closurebias/internal/stack"
)

const (
	// velocitySignificance is the bias-velocity magnitude below which the
	// decay ratio carries no information (0.1 in the wavelength's length
	// unit per year; 1 mm/year for centimeter wavelengths). A policy
	// constant, not a derived value.
	velocitySignificance = 0.1

	// ratioInstabilityBand: a fine-resolution ratio within this distance of
	// 1 has no discriminating power and is masked to undefined.
	ratioInstabilityBand = 0.1
)

var nan32 = float32(math.NaN())

// phaseVelocityCoef returns the factor converting phase to line-of-sight
// length units for a carrier wavelength wvl.
func phaseVelocityCoef(wvl float64) float64 { return -4 * math.Pi / wvl }

// lastEpoch returns the final-date slice of a flattened [numEpoch, numPix]
// time series.
func lastEpoch(ts []float32, numEpoch, numPix int) []float32 {
	return ts[(numEpoch-1)*numPix : numEpoch*numPix]
}

// EstimateRatio computes, per pixel of one spatial block, the fraction of
// connection-1 bias still present at connection-n (the W ratio) and the
// equivalent bias phase velocity. nl is the presumed bias-free reference
// level whose cumulative closure phase approximates the connection-1 bias.
// For n=1 the ratio is 1 by definition. With maskSmall set, pixels whose bias
// velocity magnitude falls below the significance threshold are set to NaN
// (used only when writing the ratio container, for better visuals).
func EstimateRatio(tbase []float64, n, nl int, wvl float64, box blocks.Box, outdir string, maskSmall bool) ([]float32, []float32, error) {
	numPix := box.NumPixels()
	cumRef, numDate, err := closure.SeqToCum(outdir, nl, box)
	if err != nil {
		return nil, nil, err
	}
	cumBias1 := lastEpoch(cumRef, numDate, numPix)

	coef := phaseVelocityCoef(wvl)
	deltaT := tbase[len(tbase)-1] - tbase[0]
	velBias1 := make([]float32, numPix)
	for p := range velBias1 {
		velBias1[p] = float32(float64(cumBias1[p]) / coef / deltaT)
	}

	wratio := make([]float32, numPix)
	velocity := make([]float32, numPix)
	if n == 1 {
		for p := range wratio {
			wratio[p] = 1
			velocity[p] = velBias1[p]
		}
	} else {
		cumN, numDateN, err := closure.SeqToCum(outdir, n, box)
		if err != nil {
			return nil, nil, err
		}
		cumBiasN := lastEpoch(cumN, numDateN, numPix)
		for p := range wratio {
			// A pixel with no reference-level bias has nothing to scale;
			// its ratio is defined as 0 so downstream products stay zero.
			w := float32(0)
			if cumBias1[p] != 0 {
				w = 1 - cumBiasN[p]/cumBias1[p]
			}
			if w > 1 {
				w = 1
			} else if w < 0 {
				w = 0
			}
			wratio[p] = w
			velocity[p] = w * velBias1[p]
		}
	}

	if maskSmall {
		for p := range wratio {
			if math.Abs(float64(velBias1[p])) < velocitySignificance {
				wratio[p] = nan32
			}
		}
	}
	return wratio, velocity, nil
}

// EstimateRatioAll vectorizes the ratio computation over all connection
// levels of a bandwidth-bw analysis. The result is flattened
// [bw+1, boxHeight, boxWidth]: slice n holds the level-n ratio for n in
// [2, bw], slices 0 and 1 are padding fixed at 1 so indexing by connection
// level works directly (the level-1 ratio is 1 by definition).
func EstimateRatioAll(bw, nl int, outdir string, box blocks.Box) ([]float32, error) {
	numPix := box.NumPixels()
	cumRef, numDate, err := closure.SeqToCum(outdir, nl, box)
	if err != nil {
		return nil, err
	}
	cumBias1 := lastEpoch(cumRef, numDate, numPix)

	out := make([]float32, (bw+1)*numPix)
	for p := 0; p < 2*numPix; p++ {
		out[p] = 1
	}
	for n := 2; n <= bw; n++ {
		cumN, numDateN, err := closure.SeqToCum(outdir, n, box)
		if err != nil {
			return nil, err
		}
		cumBiasN := lastEpoch(cumN, numDateN, numPix)
		for p := 0; p < numPix; p++ {
			w := float32(0)
			if cumBias1[p] != 0 {
				w = 1 - cumBiasN[p]/cumBias1[p]
			}
			if w > 1 {
				w = 1
			} else if w < 0 {
				w = 0
			}
			out[n*numPix+p] = w
		}
	}
	return out, nil
}

// ScalingMatrixW assembles, for one spatial block, the per-pixel diagonal of
// the bias-scaling matrix: W[p][i] is the decay ratio of interferogram i at
// pixel p, determined by the interferogram's connection level (distance
// between the +1 and -1 entries of its incidence row). An interferogram whose
// connection level exceeds the bandwidth signals a configuration mismatch
// between the requested bandwidth and the actual network and is a fatal
// NetworkInconsistencyError, never silently clamped.
func ScalingMatrixW(numIfgram int, a *mat.Dense, bw int, box blocks.Box, nl int, outdir string) ([]float32, error) {
	numPix := box.NumPixels()
	wratioAll, err := EstimateRatioAll(bw, nl, outdir, box)
	if err != nil {
		return nil, err
	}

	w := make([]float32, numPix*numIfgram)
	_, numDate := a.Dims()
	for i := 0; i < numIfgram; i++ {
		idx1, idx2 := -1, -1
		for j := 0; j < numDate; j++ {
			switch a.At(i, j) {
			case -1:
				idx1 = j
			case 1:
				idx2 = j
			}
		}
		conn := idx2 - idx1
		if conn > bw {
			return nil, &stack.NetworkInconsistencyError{
				Bandwidth: bw,
				Reason: fmt.Sprintf("interferogram %d has connection level %d exceeding the analysis bandwidth; adjust the network's maximum connection level", i, conn),
			}
		}
		ratio := wratioAll[conn*numPix : (conn+1)*numPix]
		for p := 0; p < numPix; p++ {
			w[p*numIfgram+i] = ratio[p]
		}
	}
	return w, nil
}

