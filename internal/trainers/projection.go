package trainers

import (
	"gonum.org/v1/gonum/blas/blas32"
)

// ProjectGrad returns grad unchanged when it does not conflict with ref
// (dot >= 0). Otherwise it removes the component along ref:
// grad - ref * dot(grad, ref) / ||ref||^2. The result is a new slice.
func ProjectGrad(grad, ref []float32) []float32 {
	out := make([]float32, len(grad))
	copy(out, grad)

	dot := gradDot(out, ref)
	if dot >= 0 {
		return out
	}
	alpha := -dot / gradDot(ref, ref)
	blas32.Axpy(float32(alpha), blas32.Vector{N: len(ref), Inc: 1, Data: ref}, blas32.Vector{N: len(out), Inc: 1, Data: out})
	return out
}

// gradDot accumulates in float64; long gradient vectors lose too much in
// float32 sums.
func gradDot(x, y []float32) float64 {
	return blas32.Implementation().Dsdot(len(x), x, 1, y, 1)
}
