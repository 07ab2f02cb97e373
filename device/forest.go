package device

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649015329

// ForestConfig controls isolation forest training.
type ForestConfig struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          uint64
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42}
}

type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Size    int     `json:"n,omitempty"`
	Left    *node   `json:"l,omitempty"`
	Right   *node   `json:"r,omitempty"`
}

func (n *node) leaf() bool { return n.Left == nil || n.Right == nil }

// IsolationForest scores how easily a vector is isolated by random axis
// splits. It is read-only after training and safe for concurrent use.
type IsolationForest struct {
	Dims       int     `json:"dims"`
	SampleSize int     `json:"sample_size"`
	Trees      []*node `json:"trees"`
	// Threshold is the anomaly score above which a vector is anomalous.
	Threshold float64 `json:"threshold"`
	// TrainingScores holds the training set scores sorted ascending.
	TrainingScores []float64 `json:"training_scores"`
}

// TrainForest fits a forest on samples. All samples must share one length.
func TrainForest(samples [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if len(samples) < 2 {
		return nil, errors.New("at least two samples required")
	}
	if cfg.Trees <= 0 || cfg.SampleSize < 2 {
		return nil, errors.New("invalid forest configuration")
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		return nil, errors.New("contamination must be in (0, 0.5)")
	}
	dims := len(samples[0])
	if dims == 0 {
		return nil, ErrDimension
	}
	for i, s := range samples {
		if len(s) != dims {
			return nil, fmt.Errorf("sample %d: %w", i, ErrDimension)
		}
	}

	sampleSize := min(cfg.SampleSize, len(samples))
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	f := &IsolationForest{Dims: dims, SampleSize: sampleSize, Trees: make([]*node, cfg.Trees)}
	for t := range f.Trees {
		idx := rng.Perm(len(samples))[:sampleSize]
		subset := make([][]float64, sampleSize)
		for i, j := range idx {
			subset[i] = samples[j]
		}
		f.Trees[t] = grow(subset, 0, heightLimit, rng)
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.score(s)
	}
	sort.Float64s(scores)
	f.TrainingScores = scores
	f.Threshold = quantile(scores, 1-cfg.Contamination)
	return f, nil
}

func grow(rows [][]float64, depth, limit int, rng *rand.Rand) *node {
	if depth >= limit || len(rows) <= 1 {
		return &node{Size: len(rows)}
	}

	dims := len(rows[0])
	start := rng.IntN(dims)
	for k := 0; k < dims; k++ {
		feature := (start + k) % dims
		lo, hi := rows[0][feature], rows[0][feature]
		for _, r := range rows[1:] {
			lo, hi = math.Min(lo, r[feature]), math.Max(hi, r[feature])
		}
		if lo == hi {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, r := range rows {
			if r[feature] < split {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}
		return &node{
			Feature: feature,
			Split:   split,
			Left:    grow(left, depth+1, limit, rng),
			Right:   grow(right, depth+1, limit, rng),
		}
	}
	return &node{Size: len(rows)}
}

func pathLength(x []float64, n *node, depth int) float64 {
	for !n.leaf() {
		if x[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePath(n.Size)
}

// averagePath is the expected path length of an unsuccessful BST search
// over n points.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func (f *IsolationForest) score(x []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(x, t, 0)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePath(f.SampleSize))
}

// AnomalyScore returns the raw score in (0, 1]; higher is more anomalous.
func (f *IsolationForest) AnomalyScore(x []float64) (float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return 0, ErrModelUnavailable
	}
	if len(x) != f.Dims {
		return 0, ErrDimension
	}
	return f.score(x), nil
}

// Score implements Model. The margin is the fraction of training scores at
// least as anomalous as x, so typical vectors land near 1.
func (f *IsolationForest) Score(x []float64) (bool, float64, error) {
	s, err := f.AnomalyScore(x)
	if err != nil {
		return false, 0, err
	}
	n := len(f.TrainingScores)
	if n == 0 {
		return false, 0, ErrModelUnavailable
	}
	atLeast := n - sort.SearchFloat64s(f.TrainingScores, s)
	return s > f.Threshold, float64(atLeast) / float64(n), nil
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
