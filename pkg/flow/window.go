package flow

import (
	"math"

	"github.com/gammazero/deque"
)

type windowEntry struct {
	pos   int
	value float64
}

// WindowMinimum tracks the minimum of a sliding window of positions using a
// monotonic deque. Values are kept in increasing order from front to back, so
// the front is always the current minimum.
//
// The zero value is an empty tracker ready to use.
type WindowMinimum struct {
	q deque.Deque[windowEntry]
}

// Push adds the value at position pos. Positions must be pushed in increasing
// order. NaN values are ignored, the same way a skip-NaN minimum treats them.
func (w *WindowMinimum) Push(pos int, value float64) {
	if math.IsNaN(value) {
		return
	}
	for w.q.Len() > 0 && w.q.Back().value >= value {
		w.q.PopBack()
	}
	w.q.PushBack(windowEntry{pos: pos, value: value})
}

// Evict drops every position before the given one.
func (w *WindowMinimum) Evict(before int) {
	for w.q.Len() > 0 && w.q.Front().pos < before {
		w.q.PopFront()
	}
}

// Min returns the minimum value in the window, or false when the window holds
// no values.
func (w *WindowMinimum) Min() (float64, bool) {
	if w.q.Len() == 0 {
		return 0, false
	}
	return w.q.Front().value, true
}

// Len returns the number of retained candidates, not the window width.
func (w *WindowMinimum) Len() int {
	return w.q.Len()
}
