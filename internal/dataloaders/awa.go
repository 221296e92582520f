package dataloaders

import (
	"fmt"
	"path/filepath"
)

// listCollection is a dataset described by "<Prefix>_<split>_list.txt"
// files next to the images and a pickled attribute matrix. AWA and SUN
// are laid out this way.
type listCollection struct {
	Prefix string
	Splits []string
}

var (
	AWA = listCollection{Prefix: "AWA", Splits: []string{"train", "val", "test"}}
	SUN = listCollection{Prefix: "SUN", Splits: []string{"train", "val", "test"}}
)

// LoadDatasetPaths returns image paths and labels without touching images.
func (c listCollection) LoadDatasetPaths(dir, split string) ([]string, []int, error) {
	if err := checkSplit(split, c.Splits...); err != nil {
		return nil, nil, err
	}
	return readPathLabelList(dir, filepath.Join(dir, fmt.Sprintf("%s_%s_list.txt", c.Prefix, split)))
}

// LoadDataset decodes the split; train is shuffled once.
func (c listCollection) LoadDataset(dir, split string, opts ImageOptions, inMemory bool) (*Dataset, error) {
	paths, labels, err := c.LoadDatasetPaths(dir, split)
	if err != nil {
		return nil, err
	}
	return imageDataset(paths, labels, split, opts, inMemory)
}

// LoadClassAttributes reads "<Prefix>_attr_in_order.pickle".
func (c listCollection) LoadClassAttributes(dir string) ([][]float32, error) {
	return LoadPickledMatrix(filepath.Join(dir, c.Prefix+"_attr_in_order.pickle"))
}

// ClassNames reads "classes.txt" ("<id> <name>" per line) when present.
func (c listCollection) ClassNames(dir string) ([]string, error) {
	return ReadColumn(filepath.Join(dir, "classes.txt"), 1)
}
