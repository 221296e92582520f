// Package dataloaders reads the benchmark collections into labeled samples.
package dataloaders

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrUnknownSplit   = errors.New("unknown dataset split")
	ErrUnknownDataset = errors.New("unknown dataset")
)

// Sample is one input with its label. X is channel-first for images and a
// flat vector for features. Path is kept for samples loaded lazily.
type Sample struct {
	X     []float32
	Shape []int
	Label int
	Path  string
}

// Dataset is an ordered list of samples. When lazy is set, samples carry
// only a path until Get decodes them.
type Dataset struct {
	Samples []Sample
	lazy    *ImageOptions
}

func NewDataset(samples []Sample) *Dataset {
	return &Dataset{Samples: samples}
}

func (d *Dataset) Len() int { return len(d.Samples) }

// Get returns sample i, decoding it from disk for lazy datasets.
func (d *Dataset) Get(i int) (Sample, error) {
	s := d.Samples[i]
	if s.X != nil || d.lazy == nil {
		return s, nil
	}
	return loadImageSample(s.Path, s.Label, *d.lazy)
}

// Labels returns labels in dataset order.
func (d *Dataset) Labels() []int {
	out := make([]int, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.Label
	}
	return out
}

// Subset keeps the samples at idx, in that order.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{Samples: make([]Sample, len(idx)), lazy: d.lazy}
	for i, j := range idx {
		out.Samples[i] = d.Samples[j]
	}
	return out
}

// FilterLabels keeps samples whose label is in classes, preserving order.
func (d *Dataset) FilterLabels(classes []int) *Dataset {
	keep := make(map[int]bool, len(classes))
	for _, c := range classes {
		keep[c] = true
	}
	out := &Dataset{lazy: d.lazy}
	for _, s := range d.Samples {
		if keep[s.Label] {
			out.Samples = append(out.Samples, s)
		}
	}
	return out
}

// UniqueLabels returns the sorted distinct labels.
func (d *Dataset) UniqueLabels() []int {
	seen := make(map[int]bool)
	var out []int
	for _, s := range d.Samples {
		if !seen[s.Label] {
			seen[s.Label] = true
			out = append(out, s.Label)
		}
	}
	sort.Ints(out)
	return out
}

// Shuffle permutes samples in place.
func (d *Dataset) Shuffle() {
	rand.Shuffle(len(d.Samples), func(i, j int) {
		d.Samples[i], d.Samples[j] = d.Samples[j], d.Samples[i]
	})
}

// InputShape is the shape of the first sample, decoding it if needed.
func (d *Dataset) InputShape() ([]int, error) {
	if d.Len() == 0 {
		return nil, errors.New("empty dataset")
	}
	s, err := d.Get(0)
	if err != nil {
		return nil, err
	}
	return s.Shape, nil
}

func checkSplit(split string, allowed ...string) error {
	for _, a := range allowed {
		if split == a {
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownSplit, "%q (want one of %v)", split, allowed)
}
