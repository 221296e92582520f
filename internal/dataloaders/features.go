package dataloaders

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"lifelong/internal/models"
)

// ExtractFeatures runs embedder in eval mode over ds in fixed-size batches
// and returns one flat feature vector per sample, order and labels kept.
// workers bounds concurrent decoding of lazy samples.
func ExtractFeatures(ds *Dataset, embedder models.Module, batchSize, workers int) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size %d", batchSize)
	}
	if workers <= 0 {
		workers = 1
	}
	out := make([]Sample, 0, ds.Len())
	for start := 0; start < ds.Len(); start += batchSize {
		end := start + batchSize
		if end > ds.Len() {
			end = ds.Len()
		}
		batch := make([]Sample, end-start)
		var g errgroup.Group
		g.SetLimit(workers)
		for i := range batch {
			i := i
			g.Go(func() error {
				s, err := ds.Get(start + i)
				if err != nil {
					return err
				}
				batch[i] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		xs := make([][]float32, len(batch))
		for i, s := range batch {
			xs[i] = s.X
		}
		x, err := models.StackBatch(xs, batch[0].Shape)
		if err != nil {
			return nil, err
		}
		feats, shape, err := models.Predict(embedder, x)
		if err != nil {
			return nil, errors.Wrapf(err, "extract batch at %d", start)
		}
		dim := shape.TotalSize() / len(batch)
		for i, s := range batch {
			f := make([]float32, dim)
			copy(f, feats[i*dim:(i+1)*dim])
			out = append(out, Sample{X: f, Shape: []int{dim}, Label: s.Label, Path: s.Path})
		}
	}
	return NewDataset(out), nil
}
