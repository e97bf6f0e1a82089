package closure

import (
	"math"
	"math/cmplx"
)

// The filtering/coherence/unwrapping steps are opaque numeric transforms from
// the estimator's point of view: a smoothing kernel applied to a complex
// raster, a coherence raster derived from the filtered result, and a
// re-unwrapped phase raster. Only the I/O shapes matter downstream.

// GaussianKernel returns a normalized w x h Gaussian smoothing kernel with
// standard deviations sx and sy (in pixels).
func GaussianKernel(w, h int, sx, sy float64) [][]float64 {
	k := make([][]float64, h)
	cy, cx := float64(h-1)/2, float64(w-1)/2
	sum := 0.0
	for y := range k {
		k[y] = make([]float64, w)
		for x := range k[y] {
			dy := (float64(y) - cy) / sy
			dx := (float64(x) - cx) / sx
			k[y][x] = math.Exp(-(dx*dx + dy*dy) / 2)
			sum += k[y][x]
		}
	}
	for y := range k {
		for x := range k[y] {
			k[y][x] /= sum
		}
	}
	return k
}

// Convolve applies kernel to a complex raster of size length x width with
// edge clamping. data is flattened row-major.
func Convolve(data []complex64, length, width int, kernel [][]float64) []complex64 {
	kh := len(kernel)
	kw := len(kernel[0])
	oy, ox := kh/2, kw/2

	out := make([]complex64, len(data))
	for y := 0; y < length; y++ {
		for x := 0; x < width; x++ {
			var acc complex128
			for ky := 0; ky < kh; ky++ {
				sy := y + ky - oy
				if sy < 0 {
					sy = 0
				} else if sy >= length {
					sy = length - 1
				}
				for kx := 0; kx < kw; kx++ {
					sx := x + kx - ox
					if sx < 0 {
						sx = 0
					} else if sx >= width {
						sx = width - 1
					}
					acc += complex128(data[sy*width+sx]) * complex(kernel[ky][kx], 0)
				}
			}
			out[y*width+x] = complex64(acc)
		}
	}
	return out
}

// EstimateCoherence derives a coherence raster from a filtered interferogram
// whose inputs were unit-magnitude phasors: the magnitude of the smoothed
// phasor is the local phase coherence, clamped to [0, 1].
func EstimateCoherence(filt []complex64, length, width int) []float32 {
	cor := make([]float32, len(filt))
	for i, v := range filt {
		m := cmplx.Abs(complex128(v))
		if m > 1 {
			m = 1
		}
		cor[i] = float32(m)
	}
	return cor
}

// coherence below this is treated as disconnected in the component map
const connCompCoherenceFloor = 0.05

// UnwrapPhase re-unwraps the phase of a filtered interferogram. The first
// column is unwrapped top to bottom, then each row left to right, integrating
// wrapped phase differences (Itoh's condition). Returns the unwrapped phase
// and a connected-component raster with 1 for usable pixels.
func UnwrapPhase(filt []complex64, cor []float32, length, width int) ([]float32, []float32) {
	angle := func(i int) float64 {
		return cmplx.Phase(complex128(filt[i]))
	}
	wrapDiff := func(a, b float64) float64 {
		d := a - b
		return math.Atan2(math.Sin(d), math.Cos(d))
	}

	unw := make([]float32, len(filt))
	if length > 0 && width > 0 {
		unw[0] = float32(angle(0))
		for y := 1; y < length; y++ {
			i := y * width
			unw[i] = unw[(y-1)*width] + float32(wrapDiff(angle(i), angle((y-1)*width)))
		}
		for y := 0; y < length; y++ {
			for x := 1; x < width; x++ {
				i := y*width + x
				unw[i] = unw[i-1] + float32(wrapDiff(angle(i), angle(i-1)))
			}
		}
	}

	conncomp := make([]float32, len(filt))
	for i, c := range cor {
		if c >= connCompCoherenceFloor {
			conncomp[i] = 1
		}
	}
	return unw, conncomp
}
