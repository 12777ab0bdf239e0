package pipeline

import "errors"

// Labels is the size of the gesture label space, 0..Labels-1.
const Labels = 10

var ErrInvalidWindow = errors.New("pipeline: vote window must be positive")

// VotingWindow is a fixed ring of the most recent labels with per-label counts.
// It starts full of label 0.
type VotingWindow struct {
	ring   []int
	next   int
	counts [Labels]int
}

func NewVotingWindow(n int) (*VotingWindow, error) {
	if n <= 0 {
		return nil, ErrInvalidWindow
	}
	w := &VotingWindow{ring: make([]int, n)}
	w.counts[0] = n
	return w, nil
}

func (w *VotingWindow) Size() int { return len(w.ring) }

// Push evicts the oldest label and records label in its place. Labels outside
// the label space are recorded as 0.
func (w *VotingWindow) Push(label int) {
	if label < 0 || label >= Labels {
		label = 0
	}
	oldest := w.ring[w.next]
	if w.counts[oldest] > 0 {
		w.counts[oldest]--
	}
	w.counts[label]++
	w.ring[w.next] = label
	w.next = (w.next + 1) % len(w.ring)
}

// Winner returns the most frequent label, lowest label on ties.
func (w *VotingWindow) Winner() (label, count int) {
	for l, c := range w.counts {
		if c > count {
			label, count = l, c
		}
	}
	return label, count
}

func (w *VotingWindow) Count(label int) int {
	if label < 0 || label >= Labels {
		return 0
	}
	return w.counts[label]
}

func (w *VotingWindow) Counts() [Labels]int { return w.counts }

// Reset refills the window with label 0.
func (w *VotingWindow) Reset() {
	for i := range w.ring {
		w.ring[i] = 0
	}
	w.next = 0
	w.counts = [Labels]int{}
	w.counts[0] = len(w.ring)
}

// Hysteresis decides when a new window winner replaces the current decision.
type Hysteresis struct {
	Margin int
	Window int
}

// Changes reports whether a winner with winnerCount votes displaces a current
// decision holding currentCount votes. current < 0 means no decision yet.
func (h Hysteresis) Changes(current, winnerCount, currentCount int) bool {
	if current < 0 {
		return true
	}
	return winnerCount > currentCount+h.Margin && winnerCount > h.Window/3
}
