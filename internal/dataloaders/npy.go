package dataloaders

import (
	"bufio"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// NpyArray is a C-ordered array read from a .npy file, widened to float64.
type NpyArray struct {
	Shape []int
	Data  []float64
}

var npyItemSize = map[string]int64{"f4": 4, "f8": 8, "i4": 4, "i8": 8, "u1": 1}

// ReadNpy reads float32/float64/int32/int64/uint8 arrays of either byte
// order. Multi-dimensional arrays must be C-ordered.
func ReadNpy(filename string) (*NpyArray, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	r, err := npyio.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "npy %s", filename)
	}
	descr := r.Header.Descr
	kind := strings.TrimLeft(descr.Type, "<>|=")
	size, ok := npyItemSize[kind]
	if !ok {
		return nil, errors.Errorf("npy %s: unsupported dtype %s", filename, descr.Type)
	}
	if descr.Fortran && len(descr.Shape) > 1 {
		return nil, errors.Errorf("npy %s: fortran order is not supported", filename)
	}
	n, err := npyLen(descr.Shape, size, fi.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "npy %s", filename)
	}

	data := make([]float64, n)
	switch kind {
	case "f4":
		buf := make([]float32, n)
		err = r.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case "f8":
		err = r.Read(&data)
	case "i4":
		buf := make([]int32, n)
		err = r.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case "i8":
		buf := make([]int64, n)
		err = r.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case "u1":
		buf := make([]uint8, n)
		err = r.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "npy %s", filename)
	}
	return &NpyArray{Shape: append([]int(nil), descr.Shape...), Data: data}, nil
}

// npyLen is the element count of shape, bounded by what a file of
// fileSize bytes can hold.
func npyLen(shape []int, itemSize, fileSize int64) (int, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("negative dimension in shape %v", shape)
		}
		if d > 0 && n > math.MaxInt64/int64(d) {
			return 0, errors.Errorf("shape %v overflows", shape)
		}
		n *= int64(d)
	}
	if n > fileSize/itemSize {
		return 0, errors.Errorf("shape %v needs %d bytes, file has %d", shape, n*itemSize, fileSize)
	}
	return int(n), nil
}

// WriteNpyMatrix writes a rows x cols matrix as a '<f8' array.
func WriteNpyMatrix(filename string, rows, cols int, data []float32) error {
	if len(data) != rows*cols {
		return errors.Errorf("%d values for a %dx%d matrix", len(data), rows, cols)
	}
	wide := make([]float64, len(data))
	for i, v := range data {
		wide[i] = float64(v)
	}
	return writeNpy(filename, mat.NewDense(rows, cols, wide))
}

// WriteNpyInt64 writes a 1-d '<i8' array.
func WriteNpyInt64(filename string, data []int64) error {
	return writeNpy(filename, data)
}

func writeNpy(filename string, val interface{}) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := npyio.Write(w, val); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", filename)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", filename)
	}
	return f.Close()
}
