package silence

import "github.com/aiphone/aiphone/pkg/audio"

// DefaultWindowSize is the number of recent energy levels averaged by a
// [Window].
const DefaultWindowSize = 5

// Level returns the normalised energy of frame: the mean absolute amplitude
// of its samples divided by 32768, in [0, 1]. An empty frame has level 0.
func Level(frame audio.AudioFrame) float64 {
	n := len(frame.Data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(frame.Sample(i))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	lvl := sum / float64(n) / 32768
	return min(lvl, 1)
}

// Window is a fixed-capacity ring of the most recent energy levels. The zero
// value is not usable; construct with [NewWindow].
type Window struct {
	buf  []float64
	next int
	n    int
}

// NewWindow returns an empty window holding at most size levels. A size below
// one is treated as one.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]float64, size)}
}

// Push appends lvl, evicting the oldest level once the window is full.
func (w *Window) Push(lvl float64) {
	if w.n < len(w.buf) {
		w.n++
	}
	w.buf[w.next] = lvl
	w.next = (w.next + 1) % len(w.buf)
}

// Average returns the mean of the held levels, or 0 when empty.
func (w *Window) Average() float64 {
	if w.n == 0 {
		return 0
	}
	// Summed afresh so the result depends only on the held levels.
	var sum float64
	for i := range w.n {
		sum += w.buf[i]
	}
	return sum / float64(w.n)
}

// Len returns the number of levels currently held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window.
func (w *Window) Reset() {
	clear(w.buf)
	w.next, w.n = 0, 0
}
