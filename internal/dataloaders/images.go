package dataloaders

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}

	MNISTMean = [1]float32{0.1307}
	MNISTStd  = [1]float32{0.3081}
)

// ImageOptions controls decoding. TargetSize 0 keeps the file size.
// Without Preprocess, pixels stay in [0, 255].
type ImageOptions struct {
	TargetSize int
	Preprocess bool
	Workers    int
}

// LoadImage decodes an image into channel-first RGB floats.
func LoadImage(path string, opts ImageOptions) ([]float32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decode %s", path)
	}
	if opts.TargetSize > 0 {
		dst := image.NewRGBA(image.Rect(0, 0, opts.TargetSize, opts.TargetSize))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	x := make([]float32, 3*h*w)
	for yy := 0; yy < h; yy++ {
		for xx := 0; xx < w; xx++ {
			r, g, bl, _ := img.At(b.Min.X+xx, b.Min.Y+yy).RGBA()
			i := yy*w + xx
			x[i] = float32(r >> 8)
			x[h*w+i] = float32(g >> 8)
			x[2*h*w+i] = float32(bl >> 8)
		}
	}
	shape := []int{3, h, w}
	if opts.Preprocess {
		NormalizeImage(x, ImageNetMean[:], ImageNetStd[:])
	}
	return x, shape, nil
}

// NormalizeImage maps channel-first [0, 255] pixels to (x/255-mean)/std.
func NormalizeImage(x []float32, mean, std []float32) {
	c := len(mean)
	plane := len(x) / c
	for ch := 0; ch < c; ch++ {
		for i := ch * plane; i < (ch+1)*plane; i++ {
			x[i] = (x[i]/255 - mean[ch]) / std[ch]
		}
	}
}

// PreprocessImages normalizes raw samples in place with per-channel stats.
func PreprocessImages(samples []Sample, mean, std []float32) {
	for i := range samples {
		NormalizeImage(samples[i].X, mean, std)
	}
}

func loadImageSample(path string, label int, opts ImageOptions) (Sample, error) {
	x, shape, err := LoadImage(path, opts)
	if err != nil {
		return Sample{}, err
	}
	return Sample{X: x, Shape: shape, Label: label, Path: path}, nil
}

// LoadImages decodes paths on a bounded worker pool; output order matches
// input order.
func LoadImages(paths []string, labels []int, opts ImageOptions) ([]Sample, error) {
	if len(paths) != len(labels) {
		return nil, errors.Errorf("%d paths vs %d labels", len(paths), len(labels))
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	out := make([]Sample, len(paths))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range paths {
		i := i
		g.Go(func() error {
			s, err := loadImageSample(paths[i], labels[i], opts)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// pathSamples wraps paths as lazy samples.
func pathSamples(paths []string, labels []int) []Sample {
	out := make([]Sample, len(paths))
	for i := range paths {
		out[i] = Sample{Path: paths[i], Label: labels[i]}
	}
	return out
}

// imageDataset materializes paths (or keeps them lazy) and shuffles the
// training split once.
func imageDataset(paths []string, labels []int, split string, opts ImageOptions, inMemory bool) (*Dataset, error) {
	var ds *Dataset
	if inMemory {
		samples, err := LoadImages(paths, labels, opts)
		if err != nil {
			return nil, err
		}
		ds = NewDataset(samples)
	} else {
		o := opts
		ds = &Dataset{Samples: pathSamples(paths, labels), lazy: &o}
	}
	if split == "train" {
		ds.Shuffle()
	}
	return ds, nil
}
