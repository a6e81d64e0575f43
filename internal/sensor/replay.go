package sensor

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ReplayReader returns readings from a recorded trace, one value per line.
// Blank lines and lines starting with '#' are skipped. Read returns io.EOF
// once the trace is exhausted. A read failure, such as an overlong line, is
// reported once and then ends the trace.
type ReplayReader struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	failed  bool
}

// NewReplayReader reads a trace from r. If r is an io.Closer, Close closes it.
func NewReplayReader(r io.Reader) *ReplayReader {
	rr := &ReplayReader{scanner: bufio.NewScanner(r)}
	if c, ok := r.(io.Closer); ok {
		rr.closer = c
	}
	return rr
}

// OpenReplay opens a trace file.
func OpenReplay(path string) (*ReplayReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open replay trace")
	}
	return NewReplayReader(f), nil
}

// Read returns the next recorded value.
func (r *ReplayReader) Read() (float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "replay line %d", r.line)
		}
		return float32(v), nil
	}
	if err := r.scanner.Err(); err != nil && !r.failed {
		r.failed = true
		return 0, errors.Wrapf(err, "read replay trace after line %d", r.line)
	}
	return 0, io.EOF
}

// Close closes the underlying trace.
func (r *ReplayReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
