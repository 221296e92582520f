package dataloaders

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// LoadTinyImageNetPaths lists train/<wnid>/images/* or the annotated val
// images. Labels follow the order of wnids.txt.
func LoadTinyImageNetPaths(dir, split string) ([]string, []int, error) {
	if err := checkSplit(split, "train", "val"); err != nil {
		return nil, nil, err
	}
	wnids, err := ReadColumn(filepath.Join(dir, "wnids.txt"), 0)
	if err != nil {
		return nil, nil, err
	}
	index := make(map[string]int, len(wnids))
	for i, w := range wnids {
		index[w] = i
	}

	var paths []string
	var labels []int
	if split == "train" {
		for i, w := range wnids {
			imgDir := filepath.Join(dir, "train", w, "images")
			entries, err := os.ReadDir(imgDir)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "tinyimagenet: list %s", imgDir)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, n := range names {
				paths = append(paths, filepath.Join(imgDir, n))
				labels = append(labels, i)
			}
		}
		return paths, labels, nil
	}

	rows, err := ReadColumns(filepath.Join(dir, "val", "val_annotations.txt"))
	if err != nil {
		return nil, nil, err
	}
	for i, r := range rows {
		if len(r) < 2 {
			return nil, nil, errors.Errorf("val_annotations.txt:%d: too few columns", i+1)
		}
		y, ok := index[r[1]]
		if !ok {
			return nil, nil, errors.Errorf("val_annotations.txt:%d: unknown wnid %s", i+1, r[1])
		}
		paths = append(paths, filepath.Join(dir, "val", "images", r[0]))
		labels = append(labels, y)
	}
	return paths, labels, nil
}

func LoadTinyImageNet(dir, split string, opts ImageOptions) (*Dataset, error) {
	paths, labels, err := LoadTinyImageNetPaths(dir, split)
	if err != nil {
		return nil, err
	}
	return imageDataset(paths, labels, split, opts, true)
}

// TinyImageNetClassNames maps wnids.txt through words.txt.
func TinyImageNetClassNames(dir string) ([]string, error) {
	wnids, err := ReadColumn(filepath.Join(dir, "wnids.txt"), 0)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "words.txt"))
	if err != nil {
		return nil, err
	}
	words := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) == 2 {
			words[parts[0]] = strings.TrimSpace(parts[1])
		}
	}
	names := make([]string, len(wnids))
	for i, w := range wnids {
		names[i] = words[w]
		if names[i] == "" {
			names[i] = w
		}
	}
	return names, nil
}
