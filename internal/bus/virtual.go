package bus

import (
	"sync"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// Virtual is an in-memory channel. Frames written to one end of a pair are
// read from the other; a lone Virtual loops writes back to its reader.
type Virtual struct {
	rx     chan can.Frame
	peer   *Virtual
	status uint8

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewVirtual creates a loopback channel buffering up to buf frames.
func NewVirtual(buf int) *Virtual {
	v := newVirtual(buf)
	v.peer = v
	return v
}

// NewVirtualPair creates two connected ends.
func NewVirtualPair(buf int) (*Virtual, *Virtual) {
	a, b := newVirtual(buf), newVirtual(buf)
	a.peer, b.peer = b, a
	return a, b
}

func newVirtual(buf int) *Virtual {
	if buf <= 0 {
		buf = TxQueueSize
	}
	return &Virtual{rx: make(chan can.Frame, buf), done: make(chan struct{})}
}

// ReadFrame blocks until a frame arrives or the channel is closed.
func (v *Virtual) ReadFrame(fr *can.Frame) error {
	select {
	case f := <-v.rx:
		*fr = f
		return nil
	case <-v.done:
		return ErrClosed
	}
}

// WriteFrame delivers fr to the peer; it blocks while the peer buffer is full.
func (v *Virtual) WriteFrame(fr can.Frame) error {
	v.mu.Lock()
	c := v.closed
	v.mu.Unlock()
	if c {
		return ErrClosed
	}
	fr.Dispatch = false
	select {
	case v.peer.rx <- fr:
		return nil
	case <-v.peer.done:
		return ErrClosed
	case <-v.done:
		return ErrClosed
	}
}

// SetStatus sets the status byte reported by Status.
func (v *Virtual) SetStatus(s uint8) { v.mu.Lock(); v.status = s; v.mu.Unlock() }

func (v *Virtual) Status() uint8 { v.mu.Lock(); defer v.mu.Unlock(); return v.status }

func (v *Virtual) Close() error {
	v.once.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		close(v.done)
	})
	return nil
}
