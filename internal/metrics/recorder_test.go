package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveBatch(0, 1)
		r.ObserveProjection(0)
		r.SetMemorySize(3)
		r.SetAccuracy(0, 0, 0.5)
		r.SetSummary(0.5, 0.1)
	})
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile("/nonexistent/dir/metrics.prom"))
}

func TestRecorder_Values(t *testing.T) {
	r := NewRecorder("lll", zap.NewNop())
	r.ObserveBatch(1, 0.5)
	r.ObserveBatch(1, 0.25)
	r.ObserveProjection(1)
	r.SetMemorySize(12)
	r.SetAccuracy(1, 0, 0.75)
	r.SetSummary(0.8, 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.batchesTotal.WithLabelValues("1")))
	assert.Equal(t, 0.25, testutil.ToFloat64(r.batchLoss.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.projectionsTotal.WithLabelValues("1")))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.memorySize))
	assert.Equal(t, 0.75, testutil.ToFloat64(r.accuracy.WithLabelValues("1", "0")))
	assert.Equal(t, 0.8, testutil.ToFloat64(r.averageAccuracy))
	assert.Equal(t, 0.1, testutil.ToFloat64(r.forgetting))

	expected := `
# HELP lll_episodic_memory_size Samples held in episodic memory
# TYPE lll_episodic_memory_size gauge
lll_episodic_memory_size 12
`
	assert.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "lll_episodic_memory_size"))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder("lll", zap.NewNop())
	r.SetAccuracy(0, 0, 1)
	path := filepath.Join(t.TempDir(), "lll.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `lll_task_accuracy{after_task="0",task="0"} 1`)

	assert.NoError(t, r.WriteTextfile(""))
	assert.Error(t, r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "lll.prom")))
}
