package dataloaders

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
)

// FeatPaths names the cached feature and label arrays of a split.
func FeatPaths(dir string, inputType int, split string) (feats, labels string) {
	return filepath.Join(dir, fmt.Sprintf("%d_%s_feats.npy", inputType, split)),
		filepath.Join(dir, fmt.Sprintf("%d_%s_labels.npy", inputType, split))
}

// LoadFeats reads precomputed embeddings; each sample is a flat vector.
// The train split is shuffled once.
func LoadFeats(dir string, inputType int, split string) (*Dataset, error) {
	if err := checkSplit(split, "train", "test"); err != nil {
		return nil, err
	}
	featsPath, labelsPath := FeatPaths(dir, inputType, split)
	feats, err := ReadNpy(featsPath)
	if err != nil {
		return nil, err
	}
	labels, err := ReadNpy(labelsPath)
	if err != nil {
		return nil, err
	}
	if len(feats.Shape) != 2 {
		return nil, errors.Errorf("%s: want 2-d features, got shape %v", featsPath, feats.Shape)
	}
	n, d := feats.Shape[0], feats.Shape[1]
	if len(labels.Data) != n {
		return nil, errors.Errorf("%s: %d labels for %d features", labelsPath, len(labels.Data), n)
	}

	samples := make([]Sample, n)
	for i := range samples {
		x := make([]float32, d)
		for j := range x {
			x[j] = float32(feats.Data[i*d+j])
		}
		samples[i] = Sample{X: x, Shape: []int{d}, Label: int(labels.Data[i])}
	}
	ds := NewDataset(samples)
	if split == "train" {
		ds.Shuffle()
	}
	return ds, nil
}

// SaveFeats writes a feature dataset in the layout LoadFeats reads.
func SaveFeats(ds *Dataset, dir string, inputType int, split string) error {
	if ds.Len() == 0 {
		return errors.New("no features to save")
	}
	d := len(ds.Samples[0].X)
	flat := make([]float32, 0, ds.Len()*d)
	labels := make([]int64, ds.Len())
	for i, s := range ds.Samples {
		if len(s.X) != d {
			return errors.Errorf("sample %d has %d features, want %d", i, len(s.X), d)
		}
		flat = append(flat, s.X...)
		labels[i] = int64(s.Label)
	}
	featsPath, labelsPath := FeatPaths(dir, inputType, split)
	if err := WriteNpyMatrix(featsPath, ds.Len(), d, flat); err != nil {
		return err
	}
	return WriteNpyInt64(labelsPath, labels)
}
