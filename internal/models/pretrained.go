package models

import (
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// LoadPretrained copies a torchvision state dict (.pth) into every
// parameter whose name starts with prefix. Keys are matched on the name
// with prefix stripped; fc weights and num_batches_tracked are ignored.
// It returns the number of parameters loaded.
func LoadPretrained(ps *ParamSet, path, prefix string) (int, error) {
	if path == "" {
		return 0, errors.New("pretrained weights requested but model.pretrained_path is empty")
	}
	raw, err := pytorch.Load(path)
	if err != nil {
		return 0, errors.Wrapf(err, "load state dict %s", path)
	}
	dict, ok := raw.(*types.OrderedDict)
	if !ok {
		return 0, errors.Errorf("%s: expected a state dict, got %T", path, raw)
	}

	loaded := 0
	for _, p := range ps.All() {
		if !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		key := strings.TrimPrefix(p.Name, prefix)
		v, ok := dict.Get(key)
		if !ok {
			return loaded, errors.Errorf("%s: missing key %q", path, key)
		}
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			return loaded, errors.Errorf("%s: key %q is %T, not a tensor", path, key, v)
		}
		data, err := tensorData(t)
		if err != nil {
			return loaded, errors.Wrapf(err, "key %q", key)
		}
		if len(data) != p.Size() {
			return loaded, errors.Wrapf(ErrDimMismatch, "key %q has %d values, parameter %s has %d", key, len(data), p.Name, p.Size())
		}
		copy(p.Data(), data)
		loaded++
	}
	return loaded, nil
}

func tensorData(t *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	switch src := t.Source.(type) {
	case *pytorch.FloatStorage:
		if t.StorageOffset+n > len(src.Data) {
			return nil, errors.New("storage shorter than tensor")
		}
		return src.Data[t.StorageOffset : t.StorageOffset+n], nil
	case *pytorch.DoubleStorage:
		if t.StorageOffset+n > len(src.Data) {
			return nil, errors.New("storage shorter than tensor")
		}
		out := make([]float32, n)
		for i, v := range src.Data[t.StorageOffset : t.StorageOffset+n] {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported storage %T", t.Source)
	}
}
