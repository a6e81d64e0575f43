package mqtt

import "github.com/sirupsen/logrus"

// bufferedMsg is a serialized message waiting for a broker connection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer holds the newest messages published while offline; once full,
// each push evicts the oldest entry. Callers synchronize access.
type ringBuffer struct {
	slots   []bufferedMsg
	start   int // index of the oldest message
	n       int
	dropped int  // evictions since creation
	warned  bool // overflow already logged since the last drain
	log     logrus.FieldLogger
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		slots: make([]bufferedMsg, capacity),
		log:   logrus.StandardLogger(),
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.slots)
	if r.n < size {
		r.slots[(r.start+r.n)%size] = msg
		r.n++
		return
	}

	r.slots[r.start] = msg
	r.start = (r.start + 1) % size
	r.dropped++
	if !r.warned {
		r.warned = true
		r.log.WithField("capacity", size).Warn("mqtt buffer full, dropping oldest")
	}
}

// drainAll empties the buffer and returns its messages oldest first, or nil
// when there is nothing queued.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.n == 0 {
		return nil
	}
	out := make([]bufferedMsg, r.n)
	for i := range out {
		out[i] = r.slots[(r.start+i)%len(r.slots)]
		r.slots[(r.start+i)%len(r.slots)] = bufferedMsg{}
	}
	r.start, r.n, r.warned = 0, 0, false
	return out
}

func (r *ringBuffer) len() int {
	return r.n
}
