// Package metrics exports training progress as prometheus metrics written
// to a node-exporter textfile.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Recorder collects per-task training metrics. A nil *Recorder discards
// everything.
type Recorder struct {
	registry *prometheus.Registry

	batchesTotal     *prometheus.CounterVec
	projectionsTotal *prometheus.CounterVec
	batchLoss        *prometheus.GaugeVec
	memorySize       prometheus.Gauge
	accuracy         *prometheus.GaugeVec
	averageAccuracy  prometheus.Gauge
	forgetting       prometheus.Gauge

	logger *zap.Logger
}

// NewRecorder registers the metrics on a private registry.
func NewRecorder(namespace string, logger *zap.Logger) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Recorder{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	r.batchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Optimizer steps taken per task",
		},
		[]string{"task"},
	)

	r.projectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grad_projections_total",
			Help:      "Steps whose gradient conflicted with the memory gradient and was projected",
		},
		[]string{"task"},
	)

	r.batchLoss = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_loss",
			Help:      "Loss of the most recent training batch",
		},
		[]string{"task"},
	)

	r.memorySize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "episodic_memory_size",
		Help:      "Samples held in episodic memory",
	})

	r.accuracy = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_accuracy",
			Help:      "Test accuracy on task after training through after_task",
		},
		[]string{"after_task", "task"},
	)

	r.averageAccuracy = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "average_accuracy",
		Help:      "Mean final accuracy over trained tasks",
	})

	r.forgetting = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "forgetting",
		Help:      "Mean drop from best to final accuracy over earlier tasks",
	})

	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveBatch(task int, loss float32) {
	if r == nil {
		return
	}
	t := strconv.Itoa(task)
	r.batchesTotal.WithLabelValues(t).Inc()
	r.batchLoss.WithLabelValues(t).Set(float64(loss))
}

func (r *Recorder) ObserveProjection(task int) {
	if r == nil {
		return
	}
	r.projectionsTotal.WithLabelValues(strconv.Itoa(task)).Inc()
}

func (r *Recorder) SetMemorySize(n int) {
	if r == nil {
		return
	}
	r.memorySize.Set(float64(n))
}

func (r *Recorder) SetAccuracy(afterTask, task int, acc float64) {
	if r == nil {
		return
	}
	r.accuracy.WithLabelValues(strconv.Itoa(afterTask), strconv.Itoa(task)).Set(acc)
}

func (r *Recorder) SetSummary(averageAccuracy, forgetting float64) {
	if r == nil {
		return
	}
	r.averageAccuracy.Set(averageAccuracy)
	r.forgetting.Set(forgetting)
}

// WriteTextfile atomically writes every metric in text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		r.logger.Error("write metrics textfile", zap.String("path", path), zap.Error(err))
		return err
	}
	r.logger.Debug("metrics written", zap.String("path", path))
	return nil
}
