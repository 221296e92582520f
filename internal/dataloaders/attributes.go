package dataloaders

import (
	"encoding/binary"
	"math"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/pkg/errors"
)

// LoadPickledMatrix reads a 2-d numeric matrix from a pickle holding either
// a numpy ndarray or nested lists.
func LoadPickledMatrix(filename string) ([][]float32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	u := pickle.NewUnpickler(f)
	u.FindClass = findNumpyClass
	obj, err := u.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "unpickle %s", filename)
	}
	m, err := toMatrix(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "unpickle %s", filename)
	}
	return m, nil
}

func findNumpyClass(module, name string) (interface{}, error) {
	switch module + "." + name {
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return reconstructFn{}, nil
	case "numpy.ndarray":
		return ndarrayClass{}, nil
	case "numpy.dtype":
		return dtypeClass{}, nil
	case "_codecs.encode":
		return codecsEncode{}, nil
	}
	return nil, errors.Errorf("unsupported pickle class %s.%s", module, name)
}

type reconstructFn struct{}

func (reconstructFn) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

// ndarrayClass only appears as the subtype argument of _reconstruct.
type ndarrayClass struct{}

type dtypeClass struct{}

func (dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("numpy.dtype without arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("numpy.dtype(%T)", args[0])
	}
	return &dtype{kind: strings.TrimLeft(s, "<>=|"), order: "<"}, nil
}

// codecsEncode reverses the latin1 trick protocol 2 uses for bytes.
type codecsEncode struct{}

func (codecsEncode) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("_codecs.encode without arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("_codecs.encode(%T)", args[0])
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out, nil
}

type dtype struct {
	kind  string
	order string
}

func (d *dtype) PySetState(state interface{}) error {
	items, ok := asSlice(state)
	if ok && len(items) > 1 {
		if o, ok := items[1].(string); ok && o != "|" {
			d.order = o
		}
	}
	return nil
}

type ndarray struct {
	shape []int
	data  []float64
}

// PySetState consumes (version, shape, dtype, is_fortran, rawdata).
func (a *ndarray) PySetState(state interface{}) error {
	items, ok := asSlice(state)
	if !ok || len(items) < 5 {
		return errors.New("ndarray state: want 5-tuple")
	}
	dims, ok := asSlice(items[1])
	if !ok {
		return errors.Errorf("ndarray shape %T", items[1])
	}
	n := 1
	a.shape = make([]int, len(dims))
	for i, d := range dims {
		v, err := toFloat(d)
		if err != nil {
			return err
		}
		a.shape[i] = int(v)
		n *= a.shape[i]
	}
	if fortran, _ := items[3].(bool); fortran {
		return errors.New("fortran-ordered ndarray is not supported")
	}
	dt, ok := items[2].(*dtype)
	if !ok {
		return errors.Errorf("ndarray dtype %T", items[2])
	}

	switch raw := items[4].(type) {
	case []byte:
		data, err := decodeRaw(raw, dt, n)
		if err != nil {
			return err
		}
		a.data = data
	case string:
		data, err := decodeRaw([]byte(raw), dt, n)
		if err != nil {
			return err
		}
		a.data = data
	default:
		list, ok := asSlice(raw)
		if !ok {
			return errors.Errorf("ndarray data %T", raw)
		}
		a.data = make([]float64, len(list))
		for i, v := range list {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			a.data[i] = f
		}
	}
	if len(a.data) != n {
		return errors.Errorf("ndarray: %d values for shape %v", len(a.data), a.shape)
	}
	return nil
}

func decodeRaw(raw []byte, dt *dtype, n int) ([]float64, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if dt.order == ">" {
		order = binary.BigEndian
	}
	size := map[string]int{"f4": 4, "f8": 8, "i4": 4, "i8": 8, "u1": 1, "b1": 1}[dt.kind]
	if size == 0 {
		return nil, errors.Errorf("unsupported dtype %s", dt.kind)
	}
	if len(raw) != n*size {
		return nil, errors.Errorf("ndarray: %d bytes for %d x %s", len(raw), n, dt.kind)
	}
	out := make([]float64, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dt.kind {
		case "f4":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "f8":
			out[i] = math.Float64frombits(order.Uint64(b))
		case "i4":
			out[i] = float64(int32(order.Uint32(b)))
		case "i8":
			out[i] = float64(int64(order.Uint64(b)))
		default:
			out[i] = float64(b[0])
		}
	}
	return out, nil
}

type sequence interface {
	Len() int
	Get(i int) interface{}
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case sequence:
		out := make([]interface{}, t.Len())
		for i := range out {
			out[i] = t.Get(i)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("not a number: %T", v)
}

func toMatrix(obj interface{}) ([][]float32, error) {
	if a, ok := obj.(*ndarray); ok {
		if len(a.shape) != 2 {
			return nil, errors.Errorf("want 2-d array, got shape %v", a.shape)
		}
		rows, cols := a.shape[0], a.shape[1]
		out := make([][]float32, rows)
		for i := range out {
			out[i] = make([]float32, cols)
			for j := range out[i] {
				out[i][j] = float32(a.data[i*cols+j])
			}
		}
		return out, nil
	}
	rows, ok := asSlice(obj)
	if !ok {
		return nil, errors.Errorf("want matrix, got %T", obj)
	}
	out := make([][]float32, len(rows))
	for i, r := range rows {
		cols, ok := asSlice(r)
		if !ok {
			return nil, errors.Errorf("row %d: want list, got %T", i, r)
		}
		out[i] = make([]float32, len(cols))
		for j, c := range cols {
			f, err := toFloat(c)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			out[i][j] = float32(f)
		}
	}
	return out, nil
}
