package dataloaders

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGzip(t *testing.T, path string, parts ...interface{}) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, p := range parts {
		require.NoError(t, binary.Write(zw, binary.BigEndian, p))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeMNIST(t *testing.T, dir, split string, images [][]byte, labels []byte, rows, cols int) {
	t.Helper()
	names := mnistFiles[split]
	hdr := []uint32{mnistImageMagic, uint32(len(images)), uint32(rows), uint32(cols)}
	parts := []interface{}{hdr}
	for _, img := range images {
		parts = append(parts, img)
	}
	writeGzip(t, filepath.Join(dir, names[0]), parts...)
	writeGzip(t, filepath.Join(dir, names[1]), []uint32{mnistLabelMagic, uint32(len(labels))}, labels)
}

func TestLoadMNIST(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, "test", [][]byte{{0, 255, 0, 0}, {9, 9, 9, 9}}, []byte{7, 2}, 2, 2)

	ds, err := LoadMNIST(dir, "test", false)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, []int{7, 2}, ds.Labels(), "test split keeps file order")
	assert.Equal(t, []int{1, 2, 2}, ds.Samples[0].Shape)
	assert.Equal(t, []float32{0, 255, 0, 0}, ds.Samples[0].X)

	ds, err = LoadMNIST(dir, "test", true)
	require.NoError(t, err)
	assert.InDelta(t, (1-0.1307)/0.3081, ds.Samples[0].X[1], 1e-5)
}

func TestLoadMNIST_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir, "train", [][]byte{{1}}, []byte{1, 2}, 1, 1)
	_, err := LoadMNIST(dir, "train", false)
	assert.Error(t, err)
}

func TestLoadMNIST_BadMagic(t *testing.T) {
	dir := t.TempDir()
	writeGzip(t, filepath.Join(dir, mnistFiles["test"][0]), []uint32{0x801, 0, 0, 0})
	writeGzip(t, filepath.Join(dir, mnistFiles["test"][1]), []uint32{0x801, 0})
	_, err := LoadMNIST(dir, "test", false)
	assert.Error(t, err)
}

func cifarRecord(labels []byte, fill byte) []byte {
	rec := append([]byte(nil), labels...)
	return append(rec, bytes.Repeat([]byte{fill}, cifarPixels)...)
}

func TestLoadCIFAR10(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "cifar-10-batches-bin")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	data := append(cifarRecord([]byte{3}, 10), cifarRecord([]byte{9}, 20)...)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "test_batch.bin"), data, 0o644))

	ds, err := LoadCIFAR(dir, "test", 10, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 9}, ds.Labels())
	assert.Equal(t, []int{3, 32, 32}, ds.Samples[1].Shape)
	assert.Equal(t, float32(20), ds.Samples[1].X[cifarPixels-1])

	ds, err = LoadCIFAR(sub, "test", 10, false)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestLoadCIFAR100_UsesFineLabel(t *testing.T) {
	dir := t.TempDir()
	data := cifarRecord([]byte{4, 77}, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.bin"), data, 0o644))

	ds, err := LoadCIFAR(dir, "test", 100, false)
	require.NoError(t, err)
	assert.Equal(t, []int{77}, ds.Labels())
}

func TestLoadCIFAR_TruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.bin"), []byte{1, 2, 3}, 0o644))
	_, err := LoadCIFAR(dir, "test", 100, false)
	assert.Error(t, err)
}

func TestLoadCIFAR_OnlyTenOrHundred(t *testing.T) {
	_, err := LoadCIFAR(t.TempDir(), "train", 20, false)
	assert.True(t, errors.Is(err, ErrUnknownDataset))
}
