package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrModelUnavailable is returned when no trained model is loaded.
var ErrModelUnavailable = errors.New("anomaly model unavailable")

// Model scores a normalized feature vector. margin is a confidence in [0,1]
// that the vector is typical.
type Model interface {
	Score(features []float64) (isAnomaly bool, margin float64, err error)
}

// Bundle is the persisted form of a trained model and the statistics its
// inputs were normalized with.
type Bundle struct {
	Version    int              `json:"version"`
	Normalizer *Normalizer      `json:"normalizer"`
	Forest     *IsolationForest `json:"forest"`
}

const bundleVersion = 1

// Train fits a normalizer and a forest on raw feature vectors.
func Train(raw [][]float64, cfg ForestConfig) (*Bundle, error) {
	if len(raw) == 0 {
		return nil, errors.New("no training vectors")
	}
	norm := NewNormalizer(len(raw[0]))
	for i, x := range raw {
		if err := norm.Observe(x); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
	}
	normalized := make([][]float64, len(raw))
	for i, x := range raw {
		z, err := norm.Transform(x)
		if err != nil {
			return nil, err
		}
		normalized[i] = z
	}
	forest, err := TrainForest(normalized, cfg)
	if err != nil {
		return nil, err
	}
	return &Bundle{Version: bundleVersion, Normalizer: norm, Forest: forest}, nil
}

func (b *Bundle) Write(w io.Writer) error {
	return json.NewEncoder(w).Encode(b)
}

func ReadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported model version %d", b.Version)
	}
	if b.Forest == nil || b.Normalizer == nil || len(b.Forest.Trees) == 0 {
		return nil, ErrModelUnavailable
	}
	if b.Normalizer.Dims() != b.Forest.Dims {
		return nil, ErrDimension
	}
	return &b, nil
}

// SaveFile writes the bundle atomically via a temp file and rename.
func (b *Bundle) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := b.Write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBundle(f)
}

// Assessment is the model's view of a fingerprint.
type Assessment struct {
	IsAnomaly bool
	Margin    float64
	Trusted   bool
}

// Evaluator runs extract, normalize and score for one fingerprint payload.
type Evaluator struct {
	Model      Model
	Normalizer *Normalizer
	// Threshold is the margin a non-anomalous vector must exceed to be trusted.
	Threshold float64
}

// Assess never reports Trusted together with an error.
func (e *Evaluator) Assess(payload []byte) (Assessment, error) {
	if e == nil || e.Model == nil {
		return Assessment{}, ErrModelUnavailable
	}
	x, err := Extract(payload)
	if err != nil {
		return Assessment{}, err
	}
	if e.Normalizer != nil {
		if x, err = e.Normalizer.Transform(x); err != nil {
			return Assessment{}, err
		}
	}
	anomalous, margin, err := e.Model.Score(x)
	if err != nil {
		return Assessment{}, err
	}
	return Assessment{
		IsAnomaly: anomalous,
		Margin:    margin,
		Trusted:   !anomalous && margin > e.Threshold,
	}, nil
}
