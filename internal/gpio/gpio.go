// Package gpio reads the optional reset button with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the button line.
type Reader interface {
	// Read returns true while the button is held down.
	// The line is active low: raw 0 = pressed.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultPinReset is the BCM pin the reset button is wired to.
const DefaultPinReset = 17

// Button turns level reads into press edges.
type Button struct {
	r    Reader
	held bool
}

// NewButton wraps r.
func NewButton(r Reader) *Button {
	return &Button{r: r}
}

// Poll reads the button and reports true exactly once per press, on the
// transition from released to held.
func (b *Button) Poll() (bool, error) {
	down, err := b.r.Read()
	if err != nil {
		return false, err
	}
	pressed := down && !b.held
	b.held = down
	return pressed, nil
}

// Close releases the underlying reader.
func (b *Button) Close() error {
	return b.r.Close()
}
