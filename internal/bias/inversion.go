package bias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/closure"
	"github.com/insarkit/closurebias/internal/monitoring"
	"github.com/insarkit/closurebias/internal/stack"
)

// fineConnLevel is the connection level of the fine-resolution closure-phase
// time series used by both inversion variants.
const fineConnLevel = 2

// pseudoInverse computes the Moore-Penrose inverse of a dense matrix via its
// thin SVD, zeroing singular values below a relative floor.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	r, c := a.Dims()
	maxDim := r
	if c > maxDim {
		maxDim = c
	}
	tol := float64(maxDim) * s[0] * 2.220446049250313e-16

	inv := mat.NewDense(len(s), len(s), nil)
	for i, sv := range s {
		if sv > tol {
			inv.Set(i, i, 1/sv)
		}
	}

	var tmp, pinv mat.Dense
	tmp.Mul(&v, inv)
	pinv.Mul(&tmp, u.T())
	return &pinv, nil
}

// EstimateBiasApprox gives a quick approximate bias time series for one
// spatial block. The bias of a bandwidth-bw analysis is treated as the bias
// of connection-p interferograms for the representative level p; the
// fine-resolution (connection-2) closure-phase series scaled by the derived
// ratio is preferred, falling back to the coarse reference-level series
// wherever the fine ratio sits too close to 1 to discriminate.
func EstimateBiasApprox(nl, bw int, tbase []float64, dateOrdinal []int, wvl float64, box blocks.Box, outdir string) ([]float32, error) {
	p := RepresentativeConnLevel(dateOrdinal, bw)
	monitoring.Logf("[BiasEstimate] bandwidth-%d analysis resembles connection-%d interferograms", bw, p)

	coef := phaseVelocityCoef(wvl)
	numPix := box.NumPixels()

	wratioP, _, err := EstimateRatio(tbase, p, nl, wvl, box, outdir, false)
	if err != nil {
		return nil, err
	}
	wratioFine, _, err := EstimateRatio(tbase, fineConnLevel, nl, wvl, box, outdir, false)
	if err != nil {
		return nil, err
	}
	for i := range wratioP {
		if math.IsNaN(float64(wratioP[i])) {
			wratioP[i] = 0
		}
		if math.IsNaN(float64(wratioFine[i])) {
			wratioFine[i] = 0
		}
	}

	// ratioFine = wratioP / (1 - wratioFine), undefined where the fine ratio
	// has no discriminating power.
	ratioFine := make([]float32, numPix)
	for i := range ratioFine {
		if math.Abs(float64(wratioFine[i])-1) < ratioInstabilityBand {
			ratioFine[i] = nan32
		} else {
			ratioFine[i] = wratioP[i] / (1 - wratioFine[i])
		}
	}

	biasFine, numDate, err := closure.SeqToCum(outdir, fineConnLevel, box)
	if err != nil {
		return nil, err
	}
	biasRough, _, err := closure.SeqToCum(outdir, nl, box)
	if err != nil {
		return nil, err
	}

	out := make([]float32, numDate*numPix)
	for i := 0; i < numDate; i++ {
		for px := 0; px < numPix; px++ {
			fine := float32(float64(biasFine[i*numPix+px])/coef) * ratioFine[px]
			if math.IsNaN(float64(fine)) {
				out[i*numPix+px] = float32(float64(biasRough[i*numPix+px])/coef) * wratioP[px]
			} else {
				out[i*numPix+px] = fine
			}
		}
	}
	return out, nil
}

// EstimateBias computes the exact per-pixel bias time series for one spatial
// block (Zheng et al. 2022 inversion). For every pixel the interferogram bias
// vector diag(W)·A·Phi is formed from either the coarse reference-level or
// the fine connection-2 closure-phase series (selected by the pixel's bias
// velocity against the significance threshold), solved for phase velocity
// through the pseudo-inverse of the reduced time-interval matrix, and
// integrated into a displacement series anchored at zero for the first date.
// The pseudo-inverse is hoisted out of the pixel loop since the matrix does
// not vary by pixel. The box is echoed back for parallel collection.
func EstimateBias(s *stack.Stack, nl, bw int, wvl float64, box blocks.Box, outdir string) ([]float32, blocks.Box, error) {
	coef := phaseVelocityCoef(wvl)
	numPix := box.NumPixels()

	if err := s.ValidateBandwidth(bw); err != nil {
		return nil, box, err
	}
	a, b, err := s.DesignMatrix()
	if err != nil {
		return nil, box, err
	}
	numIfgram, numDate := a.Dims()

	biasRough, nd, err := closure.SeqToCum(outdir, nl, box)
	if err != nil {
		return nil, box, err
	}
	biasFine, ndFine, err := closure.SeqToCum(outdir, fineConnLevel, box)
	if err != nil {
		return nil, box, err
	}
	if nd != numDate || ndFine != numDate {
		return nil, box, fmt.Errorf("closure-phase series epoch count (%d/%d) does not match the network (%d dates)", nd, ndFine, numDate)
	}

	tbase, err := s.TBase()
	if err != nil {
		return nil, box, err
	}
	deltaT := tbase[numDate-1] - tbase[0]
	tbaseDiff := make([]float64, numDate-1)
	for i := range tbaseDiff {
		tbaseDiff[i] = tbase[i+1] - tbase[i]
	}

	// Pixel selection between the rough and fine series uses the bias
	// velocity of the unscaled fine series.
	fineLast := lastEpoch(biasFine, numDate, numPix)
	roughLast := lastEpoch(biasRough, numDate, numPix)
	useFine := make([]bool, numPix)
	scale := make([]float32, numPix)
	for p := 0; p < numPix; p++ {
		vel := float64(fineLast[p]) / coef / deltaT
		useFine[p] = math.Abs(vel) >= velocitySignificance
		scale[p] = roughLast[p] / fineLast[p]
	}
	// Rescale the fine series so its final epoch matches the rough one.
	for i := 0; i < numDate; i++ {
		for p := 0; p < numPix; p++ {
			biasFine[i*numPix+p] *= scale[p]
		}
	}

	w, err := ScalingMatrixW(numIfgram, a, bw, box, nl, outdir)
	if err != nil {
		return nil, box, err
	}

	// Incidence columns per interferogram, extracted once.
	idx1 := make([]int, numIfgram)
	idx2 := make([]int, numIfgram)
	for i := 0; i < numIfgram; i++ {
		for j := 0; j < numDate; j++ {
			switch a.At(i, j) {
			case -1:
				idx1[i] = j
			case 1:
				idx2[i] = j
			}
		}
	}

	// B is identical for every pixel; invert it once.
	pinvB, err := pseudoInverse(b)
	if err != nil {
		return nil, box, fmt.Errorf("failed to invert time-interval matrix: %w", err)
	}

	out := make([]float32, numDate*numPix)
	dphi := mat.NewVecDense(numIfgram, nil)
	var biasVel mat.VecDense
	for p := 0; p < numPix; p++ {
		phi := biasRough
		if useFine[p] {
			phi = biasFine
		}
		for i := 0; i < numIfgram; i++ {
			d := float64(phi[idx2[i]*numPix+p]) - float64(phi[idx1[i]*numPix+p])
			dphi.SetVec(i, float64(w[p*numIfgram+i])*d)
		}
		biasVel.MulVec(pinvB, dphi)

		cum := 0.0
		for j := 0; j < numDate-1; j++ {
			cum += biasVel.AtVec(j) * tbaseDiff[j]
			out[(j+1)*numPix+p] = float32(cum / coef)
		}
	}
	return out, box, nil
}
