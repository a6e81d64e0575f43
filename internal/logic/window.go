package logic

// Window is a fixed-capacity FIFO of the most recent samples.
// Not safe for concurrent use.
type Window struct {
	buf   []float32
	head  int // next write position
	count int
}

// NewWindow creates an empty window holding at most size values.
func NewWindow(size int) *Window {
	return &Window{buf: make([]float32, size)}
}

// Push appends v, evicting the oldest value when the window is full.
func (w *Window) Push(v float32) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Len returns the number of values held.
func (w *Window) Len() int {
	return w.count
}

// Cap returns the window size.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Full reports whether the window holds Cap values.
func (w *Window) Full() bool {
	return w.count == len(w.buf)
}

// Values returns the held values, oldest first.
func (w *Window) Values() []float32 {
	out := make([]float32, w.count)
	start := (w.head - w.count + len(w.buf)) % len(w.buf)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// TrimmedMean returns the mean of the held values after discarding one
// minimum and one maximum.
func (w *Window) TrimmedMean() float32 {
	return TrimmedMean(w.Values())
}

// TrimmedMean returns (sum - min - max) / (len - 2). Exactly one minimum and
// one maximum are discarded even when several values tie. Returns 0 for
// fewer than three values.
func TrimmedMean(values []float32) float32 {
	if len(values) < 3 {
		return 0
	}
	sum, lo, hi := values[0], values[0], values[0]
	for _, v := range values[1:] {
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return (sum - lo - hi) / float32(len(values)-2)
}
