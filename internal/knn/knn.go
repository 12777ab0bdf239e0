// Package knn is a brute-force k-nearest-neighbor classifier over 8-channel
// EMG samples.
package knn

import (
	"container/heap"
	"errors"
	"math/rand/v2"
	"sync"

	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
)

const Labels = 10

var ErrLengthMismatch = errors.New("knn: samples and labels differ in length")

type Config struct {
	K int
	// MaxSamples caps the training rows kept per label; larger classes are
	// randomly subsampled.
	MaxSamples int
}

func DefaultConfig() Config {
	return Config{K: 5, MaxSamples: 1500}
}

type point struct {
	v     [8]uint16
	norm  float64
	label int
}

// Classifier is safe for concurrent Classify and Train calls.
type Classifier struct {
	cfg Config
	rng *rand.Rand

	mu     sync.RWMutex
	points []point
}

func New(cfg Config) *Classifier {
	d := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = d.K
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = d.MaxSamples
	}
	return &Classifier{cfg: cfg, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// WithSeed makes subsampling reproducible.
func (c *Classifier) WithSeed(seed uint64) *Classifier {
	c.rng = rand.New(rand.NewPCG(seed, seed))
	return c
}

// Train replaces the model. Rows with labels outside [0, Labels) are skipped.
func (c *Classifier) Train(samples [][8]uint16, labels []int) error {
	if len(samples) != len(labels) {
		return ErrLengthMismatch
	}
	byLabel := make([][]int, Labels)
	for i, l := range labels {
		if l < 0 || l >= Labels {
			continue
		}
		byLabel[l] = append(byLabel[l], i)
	}

	var pts []point
	for l, idx := range byLabel {
		if len(idx) > c.cfg.MaxSamples {
			c.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
			idx = idx[:c.cfg.MaxSamples]
		}
		for _, i := range idx {
			pts = append(pts, point{v: samples[i], norm: sqNorm(samples[i]), label: l})
		}
	}

	c.mu.Lock()
	c.points = pts
	c.mu.Unlock()
	logs.Infof("knn.Classifier.Train rows=%d kept=%d k=%d", len(samples), len(pts), c.cfg.K)
	return nil
}

// Len returns the number of training points in the model.
func (c *Classifier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}

// Classify votes among the k nearest points. Confidence is the winning share
// of the votes. An untrained model, or one with fewer than k points, answers
// (0, 0).
func (c *Classifier) Classify(sample [8]uint16) (int, float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.points) < c.cfg.K {
		return 0, 0, nil
	}

	qn := sqNorm(sample)
	h := make(maxHeap, 0, c.cfg.K)
	for i, p := range c.points {
		var dot float64
		for j := range sample {
			dot += float64(p.v[j]) * float64(sample[j])
		}
		d := p.norm + qn - 2*dot
		if len(h) < c.cfg.K {
			heap.Push(&h, neighbor{dist: d, idx: i})
		} else if d < h[0].dist {
			h[0] = neighbor{dist: d, idx: i}
			heap.Fix(&h, 0)
		}
	}

	var votes [Labels]int
	for _, n := range h {
		votes[c.points[n.idx].label]++
	}
	best, bestVotes := 0, 0
	for l, v := range votes {
		if v > bestVotes {
			best, bestVotes = l, v
		}
	}
	return best, float64(bestVotes) / float64(len(h)), nil
}

func sqNorm(v [8]uint16) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return s
}

type neighbor struct {
	dist float64
	idx  int
}

// maxHeap keeps the farthest of the current k neighbors on top.
type maxHeap []neighbor

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(neighbor)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
