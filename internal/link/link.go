// Package link models the two external byte-stream endpoints (wired and
// wireless) and the state the command protocol keeps per endpoint.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/filter"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// ID names one of the two external links.
type ID uint8

const (
	Wired ID = iota
	Wireless
)

func (id ID) String() string {
	switch id {
	case Wired:
		return "wired"
	case Wireless:
		return "wireless"
	default:
		return fmt.Sprintf("link%d", uint8(id))
	}
}

// Other returns the opposite link.
func (id ID) Other() ID {
	if id == Wired {
		return Wireless
	}
	return Wired
}

// DefaultRxLimit bounds the inbound buffer of a link.
const DefaultRxLimit = 4096

var (
	// ErrEmpty is returned by ReadByte when no inbound byte is pending.
	ErrEmpty = errors.New("link: no data available")
	// ErrNoOutput is returned by Write when the link has no writer.
	ErrNoOutput = errors.New("link: no output")
)

// Link buffers inbound bytes delivered by a pump goroutine (Feed) and exposes
// them to the control loop without blocking. Outbound bytes are handed to an
// output function, normally an asynchronous serial writer.
//
// LogMask and Filters are owned by the control loop and must only be touched
// from it.
type Link struct {
	id      ID
	control bool

	mu      sync.Mutex
	rx      []byte
	rxLimit int
	notify  chan struct{}
	out     func([]byte) error

	// LogMask has bit (bus-1) set when frames of that bus are logged here.
	LogMask uint8
	// Filters restrict which frame ids are logged here.
	Filters filter.Table
}

// Option configures a Link.
type Option func(*Link)

// WithControl marks the link as control capable: it may end passthrough.
func WithControl() Option { return func(l *Link) { l.control = true } }

// WithRxLimit bounds the number of buffered inbound bytes.
func WithRxLimit(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.rxLimit = n
		}
	}
}

// New creates a link whose outbound bytes go to out.
func New(id ID, out func([]byte) error, opts ...Option) *Link {
	l := &Link{
		id:      id,
		out:     out,
		rxLimit: DefaultRxLimit,
		notify:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Link) ID() ID               { return l.id }
func (l *Link) String() string       { return l.id.String() }
func (l *Link) ControlCapable() bool { return l.control }

// Feed appends inbound bytes. Bytes past the rx limit are dropped and the
// number accepted is returned.
func (l *Link) Feed(p []byte) int {
	l.mu.Lock()
	room := l.rxLimit - len(l.rx)
	if room < 0 {
		room = 0
	}
	n := len(p)
	if n > room {
		n = room
	}
	l.rx = append(l.rx, p[:n]...)
	l.mu.Unlock()
	if n > 0 {
		metrics.AddLinkRx(l.id.String(), n)
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	if n < len(p) {
		metrics.IncError(metrics.ErrLinkRxFull)
	}
	return n
}

// Available returns the number of buffered inbound bytes.
func (l *Link) Available() int { l.mu.Lock(); n := len(l.rx); l.mu.Unlock(); return n }

// ReadByte pops one inbound byte or returns ErrEmpty.
func (l *Link) ReadByte() (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rx) == 0 {
		return 0, ErrEmpty
	}
	b := l.rx[0]
	l.rx = l.rx[1:]
	return b, nil
}

// ReadAvailable copies as many buffered bytes as fit into p without waiting.
func (l *Link) ReadAvailable(p []byte) int {
	l.mu.Lock()
	n := copy(p, l.rx)
	l.rx = l.rx[n:]
	if len(l.rx) == 0 {
		l.rx = nil
	}
	l.mu.Unlock()
	return n
}

// ReadWithin fills p, waiting at most timeout for more bytes to arrive. It
// returns early once p is full; with a zero timeout only bytes already
// buffered are read.
func (l *Link) ReadWithin(p []byte, timeout time.Duration) int {
	n := l.ReadAvailable(p)
	if n == len(p) || timeout <= 0 {
		return n
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for n < len(p) {
		select {
		case <-l.notify:
			n += l.ReadAvailable(p[n:])
		case <-timer.C:
			return n + l.ReadAvailable(p[n:])
		}
	}
	return n
}

// Unread puts p back at the front of the inbound buffer.
func (l *Link) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	l.mu.Lock()
	rx := make([]byte, 0, len(p)+len(l.rx))
	rx = append(rx, p...)
	l.rx = append(rx, l.rx...)
	l.mu.Unlock()
}

// Discard drops every buffered inbound byte and returns how many were dropped.
func (l *Link) Discard() int {
	l.mu.Lock()
	n := len(l.rx)
	l.rx = nil
	l.mu.Unlock()
	return n
}

// Write hands a copy of p to the link output.
func (l *Link) Write(p []byte) (int, error) {
	if l.out == nil {
		return 0, ErrNoOutput
	}
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	if err := l.out(b); err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return 0, fmt.Errorf("%s write: %w", l.id, err)
	}
	metrics.AddLinkTx(l.id.String(), len(p))
	return len(p), nil
}

// WriteByte writes a single byte.
func (l *Link) WriteByte(b byte) error {
	_, err := l.Write([]byte{b})
	return err
}

// WriteString writes s.
func (l *Link) WriteString(s string) (int, error) { return l.Write([]byte(s)) }

// SetLogging sets or clears the log bit of bus.
func (l *Link) SetLogging(bus uint8, on bool) error {
	bit := can.BusBit(bus)
	if bit == 0 {
		return fmt.Errorf("%w: %d", filter.ErrUnknownBus, bus)
	}
	if on {
		l.LogMask |= bit
	} else {
		l.LogMask &^= bit
	}
	return nil
}

// Logging reports whether frames from bus are logged on this link.
func (l *Link) Logging(bus uint8) bool {
	bit := can.BusBit(bus)
	return bit != 0 && l.LogMask&bit != 0
}

// Accepts reports whether fr should be logged on this link: its bus is
// enabled and the id passes the link's filter.
func (l *Link) Accepts(fr can.Frame) bool {
	return l.Logging(fr.BusID) && l.Filters.Match(fr.BusID, fr.ID)
}
