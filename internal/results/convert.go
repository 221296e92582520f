package results

import (
	"math"

	"lifelong/internal/trainers"
)

// FromSummary flattens a training summary; unmeasured cells are skipped.
func FromSummary(experiment, dataset, trainer string, seed int64, s trainers.Summary) *Run {
	run := &Run{
		Experiment:      experiment,
		Dataset:         dataset,
		Trainer:         trainer,
		Seed:            seed,
		NumTasks:        len(s.ClassSplits),
		AverageAccuracy: s.AverageAccuracy,
		Forgetting:      s.Forgetting,
		FirstTaskDrift:  float64(s.FirstTaskDrift),
	}
	for i, row := range s.Acc {
		for j, a := range row {
			if math.IsNaN(a) {
				continue
			}
			run.Accuracies = append(run.Accuracies, TaskAccuracy{AfterTask: i, Task: j, Accuracy: a})
		}
	}
	return run
}
