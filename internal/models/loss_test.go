package models

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructOutputMask(t *testing.T) {
	mask := ConstructOutputMask([]int{1, 3, 7}, 5)
	assert.Equal(t, []bool{false, true, false, true, false}, mask)
}

func TestMaskLogits(t *testing.T) {
	logits := []float32{5, 1, 2, 9, 0, 3}
	mask := []bool{false, true, true}

	out := MaskLogits(logits, 3, mask)
	assert.True(t, math.IsInf(float64(out[0]), -1))
	assert.True(t, math.IsInf(float64(out[3]), -1))
	assert.Equal(t, float32(2), out[2])
	assert.Equal(t, []int{2, 2}, Argmax(out, 3))
	assert.Equal(t, float32(5), logits[0], "input untouched")

	assert.Equal(t, logits, MaskLogits(logits, 3, nil))
}

func TestSoftmax_ZeroOnMaskedClasses(t *testing.T) {
	probs := Softmax(MaskLogits([]float32{5, 1, 2}, 3, []bool{false, true, true}), 3)
	assert.Equal(t, float32(0), probs[0])
	assert.InDelta(t, 1.0, probs[1]+probs[2], 1e-6)
	assert.Greater(t, probs[2], probs[1])
}

func TestPruneLogits(t *testing.T) {
	s := NewScope(false)
	logits := s.Const([]int{2, 3}, []float32{4, 1, 1, 1, 4, 1}, "logits")
	pruned, err := PruneLogits(s, logits, [][]bool{{false, true, true}, {true, false, true}})
	require.NoError(t, err)

	got := runNode(t, s, pruned)
	assert.Equal(t, []int{1, 0}, Argmax(got, 3))
	assert.Less(t, got[0], float32(-1e8))
	assert.Less(t, got[4], float32(-1e8))

	_, err = PruneLogits(s, logits, [][]bool{{true, true, true}})
	assert.True(t, errors.Is(err, ErrDimMismatch))
	_, err = PruneLogits(s, logits, [][]bool{{true}, {true}})
	assert.True(t, errors.Is(err, ErrDimMismatch))
}

func TestCrossEntropy(t *testing.T) {
	s := NewScope(false)
	logits := s.Const([]int{2, 2}, []float32{0, 0, 0, 0}, "logits")
	loss, err := CrossEntropy(s, logits, []int{0, 1})
	require.NoError(t, err)
	got := runNode(t, s, loss)
	require.Len(t, got, 1)
	assert.InDelta(t, math.Log(2), got[0], 1e-4)

	s2 := NewScope(false)
	confident := s2.Const([]int{2, 2}, []float32{2, 0, 0, 0}, "logits")
	loss, err = CrossEntropy(s2, confident, []int{0, 1})
	require.NoError(t, err)
	want := (math.Log1p(math.Exp(-2)) + math.Log(2)) / 2
	assert.InDelta(t, want, runNode(t, s2, loss)[0], 1e-4)

	_, err = CrossEntropy(s, logits, []int{0, 2})
	assert.Error(t, err)
	_, err = CrossEntropy(s, logits, []int{0})
	assert.True(t, errors.Is(err, ErrDimMismatch))
}
