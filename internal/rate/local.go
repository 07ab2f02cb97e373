package rate

import (
	"sync"
	"time"
)

const defaultLocalKeys = 100_000

// localWindow is the in-process fallback: a true sliding window of attempt
// timestamps per key, pruned on every access. It is not shared across
// instances.
type localWindow struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	maxKeys int
}

func newLocalWindow(maxKeys int) *localWindow {
	return &localWindow{hits: make(map[string][]time.Time), maxKeys: maxKeys}
}

func (w *localWindow) hit(key string, now time.Time, window time.Duration) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := prune(w.hits[key], now, window)
	if _, ok := w.hits[key]; !ok && len(w.hits) >= w.maxKeys {
		w.evictExpired(now, window)
	}
	kept = append(kept, now)
	w.hits[key] = kept
	return int64(len(kept))
}

func (w *localWindow) count(key string, now time.Time, window time.Duration) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := prune(w.hits[key], now, window)
	if len(kept) == 0 {
		delete(w.hits, key)
		return 0
	}
	w.hits[key] = kept
	return int64(len(kept))
}

func (w *localWindow) reset(key string) {
	w.mu.Lock()
	delete(w.hits, key)
	w.mu.Unlock()
}

func (w *localWindow) evictExpired(now time.Time, window time.Duration) {
	for k, ts := range w.hits {
		if len(prune(ts, now, window)) == 0 {
			delete(w.hits, k)
		}
	}
	// Still full: drop an arbitrary key rather than grow without bound.
	for k := range w.hits {
		if len(w.hits) < w.maxKeys {
			break
		}
		delete(w.hits, k)
	}
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
