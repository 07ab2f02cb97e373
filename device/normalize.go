package device

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
)

// ErrDimension is returned when a vector has the wrong number of features.
var ErrDimension = errors.New("feature vector dimension mismatch")

// Normalizer z-scores feature vectors against running per-feature mean and
// variance maintained with Welford's algorithm. It is safe for concurrent use.
type Normalizer struct {
	mu    sync.RWMutex
	count int64
	mean  []float64
	m2    []float64
}

func NewNormalizer(dims int) *Normalizer {
	return &Normalizer{mean: make([]float64, dims), m2: make([]float64, dims)}
}

// Dims returns the expected vector length.
func (n *Normalizer) Dims() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.mean)
}

// Count returns the number of observed vectors.
func (n *Normalizer) Count() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.count
}

// Observe folds x into the running statistics.
func (n *Normalizer) Observe(x []float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(x) != len(n.mean) {
		return ErrDimension
	}
	n.count++
	for i, v := range x {
		delta := v - n.mean[i]
		n.mean[i] += delta / float64(n.count)
		n.m2[i] += delta * (v - n.mean[i])
	}
	return nil
}

// Transform returns the z-scores of x. Features with zero observed variance
// map to 0.
func (n *Normalizer) Transform(x []float64) ([]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(x) != len(n.mean) {
		return nil, ErrDimension
	}
	out := make([]float64, len(x))
	if n.count < 2 {
		return out, nil
	}
	for i, v := range x {
		std := math.Sqrt(n.m2[i] / float64(n.count-1))
		if std == 0 || math.IsNaN(std) {
			continue
		}
		out[i] = (v - n.mean[i]) / std
	}
	return out, nil
}

type normalizerState struct {
	Count int64     `json:"count"`
	Mean  []float64 `json:"mean"`
	M2    []float64 `json:"m2"`
}

func (n *Normalizer) MarshalJSON() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return json.Marshal(normalizerState{Count: n.count, Mean: n.mean, M2: n.m2})
}

func (n *Normalizer) UnmarshalJSON(data []byte) error {
	var state normalizerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Mean) != len(state.M2) || state.Count < 0 {
		return errors.New("corrupt normalizer state")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count, n.mean, n.m2 = state.Count, state.Mean, state.M2
	return nil
}
