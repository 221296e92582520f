package dataloaders

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const cifarPixels = 3 * 32 * 32

// cifarFiles lists the binary batches of a split. CIFAR100 records carry a
// coarse label byte before the fine one.
func cifarFiles(numClasses int, split string) (subdir string, files []string, labelBytes int) {
	if numClasses == 100 {
		if split == "train" {
			return "cifar-100-binary", []string{"train.bin"}, 2
		}
		return "cifar-100-binary", []string{"test.bin"}, 2
	}
	if split == "train" {
		return "cifar-10-batches-bin", []string{
			"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
			"data_batch_4.bin", "data_batch_5.bin",
		}, 1
	}
	return "cifar-10-batches-bin", []string{"test_batch.bin"}, 1
}

// LoadCIFAR reads CIFAR10 or CIFAR100 binary batches as [3, 32, 32] samples.
// dir may point at the extracted batch directory or at its parent.
func LoadCIFAR(dir, split string, numClasses int, preprocess bool) (*Dataset, error) {
	if err := checkSplit(split, "train", "test"); err != nil {
		return nil, err
	}
	if numClasses != 10 && numClasses != 100 {
		return nil, errors.Wrapf(ErrUnknownDataset, "CIFAR%d", numClasses)
	}
	subdir, files, labelBytes := cifarFiles(numClasses, split)
	if _, err := os.Stat(filepath.Join(dir, files[0])); err != nil {
		dir = filepath.Join(dir, subdir)
	}

	var samples []Sample
	for _, name := range files {
		s, err := readCIFARBatch(filepath.Join(dir, name), labelBytes, preprocess)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s...)
	}
	ds := NewDataset(samples)
	if split == "train" {
		ds.Shuffle()
	}
	return ds, nil
}

func readCIFARBatch(filename string, labelBytes int, preprocess bool) ([]Sample, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	rec := make([]byte, labelBytes+cifarPixels)
	var out []Sample
	for {
		_, err := io.ReadFull(r, rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: record %d", filename, len(out))
		}
		x := make([]float32, cifarPixels)
		for i, p := range rec[labelBytes:] {
			x[i] = float32(p)
		}
		if preprocess {
			NormalizeImage(x, ImageNetMean[:], ImageNetStd[:])
		}
		out = append(out, Sample{X: x, Shape: []int{3, 32, 32}, Label: int(rec[labelBytes-1])})
	}
	return out, nil
}
