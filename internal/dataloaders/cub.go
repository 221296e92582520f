package dataloaders

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CUB-200-2011 layout: images.txt, image_class_labels.txt (1-based),
// train_test_split.txt, classes.txt and continuous class attributes.

func LoadCUBPaths(dir, split string) ([]string, []int, error) {
	if err := checkSplit(split, "train", "test"); err != nil {
		return nil, nil, err
	}
	images, err := ReadColumns(filepath.Join(dir, "images.txt"))
	if err != nil {
		return nil, nil, err
	}
	labels, err := readIDInts(filepath.Join(dir, "image_class_labels.txt"))
	if err != nil {
		return nil, nil, err
	}
	isTrain, err := readIDInts(filepath.Join(dir, "train_test_split.txt"))
	if err != nil {
		return nil, nil, err
	}
	want := 0
	if split == "train" {
		want = 1
	}

	var paths []string
	var ys []int
	for _, row := range images {
		if len(row) < 2 {
			continue
		}
		id := row[0]
		y, ok := labels[id]
		if !ok {
			return nil, nil, errors.Errorf("cub: image %s has no label", id)
		}
		if isTrain[id] != want {
			continue
		}
		paths = append(paths, filepath.Join(dir, "images", row[1]))
		ys = append(ys, y-1)
	}
	return paths, ys, nil
}

func readIDInts(filename string) (map[string]int, error) {
	rows, err := ReadColumns(filename)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for i, r := range rows {
		if len(r) < 2 {
			return nil, errors.Errorf("%s:%d: want \"id value\"", filename, i+1)
		}
		v, err := strconv.Atoi(r[1])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", filename, i+1)
		}
		out[r[0]] = v
	}
	return out, nil
}

func LoadCUB(dir, split string, opts ImageOptions, inMemory bool) (*Dataset, error) {
	paths, labels, err := LoadCUBPaths(dir, split)
	if err != nil {
		return nil, err
	}
	return imageDataset(paths, labels, split, opts, inMemory)
}

// LoadCUBClassAttributes reads the 200x312 continuous attribute matrix.
func LoadCUBClassAttributes(dir string) ([][]float32, error) {
	return ReadFloatMatrix(filepath.Join(dir, "attributes", "class_attribute_labels_continuous.txt"))
}

// CUBClassNames strips the numeric prefix from "001.Black_footed_Albatross".
func CUBClassNames(dir string) ([]string, error) {
	names, err := ReadColumn(filepath.Join(dir, "classes.txt"), 1)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		if dot := strings.IndexByte(n, '.'); dot >= 0 {
			n = n[dot+1:]
		}
		names[i] = strings.ReplaceAll(n, "_", " ")
	}
	return names, nil
}
