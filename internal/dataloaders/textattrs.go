package dataloaders

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math/rand"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ClassEncoder turns class names into attribute vectors.
type ClassEncoder interface {
	EncodeClasses(ctx context.Context, names []string) ([][]float32, error)
}

const DefaultTextModel = "sentence-transformers/all-MiniLM-L6-v2"

// clsPooling selects the [CLS] token vector.
const clsPooling = 0

// CybertronEncoder embeds class names with a pretrained sentence encoder.
type CybertronEncoder struct {
	model textencoding.Interface
}

func NewCybertronEncoder(modelsDir, modelName string, logger *zap.Logger) (*CybertronEncoder, error) {
	if modelName == "" {
		modelName = DefaultTextModel
	}
	logger.Info("loading text encoder", zap.String("model", modelName), zap.String("dir", modelsDir))
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: modelName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load text encoder %s", modelName)
	}
	return &CybertronEncoder{model: m}, nil
}

func (e *CybertronEncoder) EncodeClasses(ctx context.Context, names []string) ([][]float32, error) {
	out := make([][]float32, len(names))
	for i, name := range names {
		res, err := e.model.Encode(ctx, name, clsPooling)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %q", name)
		}
		data := res.Vector.Data().F64()
		out[i] = make([]float32, len(data))
		for j, v := range data {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

// HashEncoder gives every name a fixed pseudo-random vector in [-1, 1),
// seeded by the md5 of the name.
type HashEncoder struct {
	Dim int
}

func (e HashEncoder) EncodeClasses(_ context.Context, names []string) ([][]float32, error) {
	if e.Dim <= 0 {
		return nil, errors.Errorf("hash encoder dim %d", e.Dim)
	}
	out := make([][]float32, len(names))
	for i, name := range names {
		hash := md5.Sum([]byte(name))
		r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(hash[:8]))))
		out[i] = make([]float32, e.Dim)
		for d := range out[i] {
			out[i][d] = r.Float32()*2 - 1
		}
	}
	return out, nil
}
