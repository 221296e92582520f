package models

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// NegInf is added to logits of invalid classes inside the graph. A finite
// value keeps softmax and its gradient free of NaNs; after normalization
// the class has zero probability in float32.
const NegInf = -1e9

// ConstructOutputMask marks the classes of one task among numClasses.
func ConstructOutputMask(classes []int, numClasses int) []bool {
	mask := make([]bool, numClasses)
	for _, c := range classes {
		if c >= 0 && c < numClasses {
			mask[c] = true
		}
	}
	return mask
}

// PruneLogits forces logits of classes outside mask (one row per sample)
// to NegInf.
func PruneLogits(s *Scope, logits *gorgonia.Node, mask [][]bool) (*gorgonia.Node, error) {
	shape := logits.Shape()
	if shape.Dims() != 2 || shape[0] != len(mask) {
		return nil, errors.Wrapf(ErrDimMismatch, "logits %v vs %d mask rows", shape, len(mask))
	}
	b, c := shape[0], shape[1]
	add := make([]float32, b*c)
	for i, row := range mask {
		if len(row) != c {
			return nil, errors.Wrapf(ErrDimMismatch, "mask row %d has %d classes, logits have %d", i, len(row), c)
		}
		for j, ok := range row {
			if !ok {
				add[i*c+j] = NegInf
			}
		}
	}
	return gorgonia.Add(logits, s.Const([]int{b, c}, add, "logits_mask"))
}

// MaskLogits is the eager counterpart of PruneLogits used on predictions;
// invalid classes become -Inf.
func MaskLogits(logits []float32, numClasses int, mask []bool) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	if mask == nil {
		return out
	}
	negInf := float32(math.Inf(-1))
	for i := range out {
		if !mask[i%numClasses] {
			out[i] = negInf
		}
	}
	return out
}

// CrossEntropy is the mean negative log-likelihood of labels under
// softmax(logits).
func CrossEntropy(s *Scope, logits *gorgonia.Node, labels []int) (*gorgonia.Node, error) {
	shape := logits.Shape()
	if shape.Dims() != 2 || shape[0] != len(labels) {
		return nil, errors.Wrapf(ErrDimMismatch, "logits %v vs %d labels", shape, len(labels))
	}
	b, c := shape[0], shape[1]
	onehot := make([]float32, b*c)
	for i, y := range labels {
		if y < 0 || y >= c {
			return nil, errors.Errorf("label %d out of range [0, %d)", y, c)
		}
		onehot[i*c+y] = 1
	}
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	pSafe, err := gorgonia.Add(probs, s.Scalar(1e-7, "eps"))
	if err != nil {
		return nil, err
	}
	logP, err := gorgonia.Log(pSafe)
	if err != nil {
		return nil, err
	}
	mul, err := gorgonia.HadamardProd(s.Const([]int{b, c}, onehot, "onehot"), logP)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(mul, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(sum)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// Argmax returns the predicted class per row.
func Argmax(logits []float32, numClasses int) []int {
	n := len(logits) / numClasses
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits[i*numClasses : (i+1)*numClasses]
		best := 0
		for j := 1; j < numClasses; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Softmax normalizes each row of logits eagerly.
func Softmax(logits []float32, numClasses int) []float32 {
	out := make([]float32, len(logits))
	for i := 0; i+numClasses <= len(logits); i += numClasses {
		row := logits[i : i+numClasses]
		mx := float32(math.Inf(-1))
		for _, v := range row {
			if v > mx {
				mx = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - mx))
			out[i+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[i+j] = float32(float64(out[i+j]) / sum)
		}
	}
	return out
}
