package dataloaders

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	mnistImageMagic = 0x00000803
	mnistLabelMagic = 0x00000801
)

var mnistFiles = map[string][2]string{
	"train": {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	"test":  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// LoadMNIST reads the gzipped IDX files of a split as [1, 28, 28] samples.
func LoadMNIST(dir, split string, preprocess bool) (*Dataset, error) {
	if err := checkSplit(split, "train", "test"); err != nil {
		return nil, err
	}
	names := mnistFiles[split]
	images, rows, cols, err := readIDXImages(filepath.Join(dir, names[0]))
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(filepath.Join(dir, names[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("mnist %s: %d images vs %d labels", split, len(images), len(labels))
	}

	samples := make([]Sample, len(images))
	for i, img := range images {
		x := make([]float32, len(img))
		for j, p := range img {
			x[j] = float32(p)
		}
		if preprocess {
			NormalizeImage(x, MNISTMean[:], MNISTStd[:])
		}
		samples[i] = Sample{X: x, Shape: []int{1, rows, cols}, Label: int(labels[i])}
	}
	ds := NewDataset(samples)
	if split == "train" {
		ds.Shuffle()
	}
	return ds, nil
}

func openGzip(filename string) (io.Reader, func() error, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "gunzip %s", filename)
	}
	return zr, func() error {
		zr.Close()
		return f.Close()
	}, nil
}

func readIDXImages(filename string) ([][]byte, int, int, error) {
	r, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closeFn()

	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "%s: header", filename)
	}
	if hdr[0] != mnistImageMagic {
		return nil, 0, 0, errors.Errorf("%s: bad magic %#x", filename, hdr[0])
	}
	n, rows, cols := int(hdr[1]), int(hdr[2]), int(hdr[3])
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, rows*cols)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, 0, 0, errors.Wrapf(err, "%s: image %d", filename, i)
		}
	}
	return out, rows, cols, nil
}

func readIDXLabels(filename string) ([]byte, error) {
	r, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrapf(err, "%s: header", filename)
	}
	if hdr[0] != mnistLabelMagic {
		return nil, errors.Errorf("%s: bad magic %#x", filename, hdr[0])
	}
	out := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrapf(err, "%s: labels", filename)
	}
	return out, nil
}
