// Package command implements the binary command engine that serves both
// external links.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/filter"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
)

var (
	// ErrMalformed classifies rejected command bodies.
	ErrMalformed = errors.New("malformed command")
	// ErrBodyTooLong is returned when an opcode asks for more body bytes than
	// the engine buffer holds.
	ErrBodyTooLong = errors.New("command body exceeds buffer")
)

const (
	// DefaultBodyTimeout bounds the wait for body bytes of one command.
	DefaultBodyTimeout = 20 * time.Millisecond
	// maxBody is the capacity of the body buffer; the settings chunk is the
	// largest body.
	maxBody = protocol.ChunkBody
)

// Platform is the host capability surface the engine may invoke.
type Platform interface {
	// EnterUpdateMode hands the device to its firmware updater.
	EnterUpdateMode() error
	// ResetWireless power-cycles the wireless module.
	ResetWireless() error
}

// Channel describes a physical bus for diagnostics.
type Channel interface {
	Name() string
	Status() uint8
}

// Identity is reported by the debug command.
type Identity struct {
	Name    string
	Version string
}

type opcode struct {
	body int
	run  func(e *Engine, l *link.Link, body []byte, n int)
}

// opcodes is the fixed dispatch table. Unknown opcodes are ignored.
var opcodes = map[byte]opcode{
	protocol.OpSystem:         {protocol.SubOpBody, (*Engine).system},
	protocol.OpSendFrame:      {protocol.SendFrameBody, (*Engine).sendFrame},
	protocol.OpLogging:        {protocol.LoggingFilterBody, (*Engine).logging},
	protocol.OpWirelessFilter: {protocol.WirelessFilterBody, (*Engine).wirelessFilter},
	protocol.OpWireless:       {protocol.SubOpBody, (*Engine).wireless},
}

// Engine parses commands arriving on either link of a pair and applies them
// to device state. It is driven by the control loop and is not safe for
// concurrent use.
type Engine struct {
	pair        *link.Pair
	queue       *queue.Queue
	store       settings.Store
	image       settings.Image
	platform    Platform
	channels    [can.NumBuses]Channel
	identity    Identity
	bodyTimeout time.Duration
	logger      *slog.Logger

	buf        [maxBody]byte
	updateMode bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithSettings(s settings.Store, im settings.Image) Option {
	return func(e *Engine) { e.store, e.image = s, im }
}

func WithPlatform(p Platform) Option { return func(e *Engine) { e.platform = p } }

func WithIdentity(id Identity) Option { return func(e *Engine) { e.identity = id } }

// WithChannel registers diagnostics for bus (1..3).
func WithChannel(bus uint8, ch Channel) Option {
	return func(e *Engine) {
		if can.ValidBus(int(bus)) {
			e.channels[bus-1] = ch
		}
	}
}

// WithBodyTimeout sets how long a body read may wait for late bytes; zero
// reads only what is already buffered.
func WithBodyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.bodyTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine serving pair and injecting frames into q.
func New(pair *link.Pair, q *queue.Queue, opts ...Option) *Engine {
	e := &Engine{
		pair:        pair,
		queue:       q,
		store:       settings.NewMemStore(settings.Defaults()),
		image:       settings.Defaults(),
		platform:    nopPlatform{},
		identity:    Identity{Name: "cbt-gateway", Version: "dev"},
		bodyTimeout: DefaultBodyTimeout,
		logger:      logging.Component("command"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Image returns the in-memory settings image.
func (e *Engine) Image() settings.Image { return e.image }

// SetImage replaces the in-memory settings image (reload from storage).
func (e *Engine) SetImage(im settings.Image) { e.image = im }

// UpdateMode reports whether an update-mode request was honored; the
// control loop stops once it is set.
func (e *Engine) UpdateMode() bool { return e.updateMode }

// Poll runs one engine step: in passthrough it relays bytes between the
// links, otherwise it executes at most one command per link with pending
// input. The wireless link is served first. Poll reports whether any input
// was consumed.
func (e *Engine) Poll() bool {
	if e.pair.Passthrough() {
		return e.relay()
	}
	worked := false
	for _, id := range [...]link.ID{link.Wireless, link.Wired} {
		if e.pair.Passthrough() || e.updateMode {
			break
		}
		l := e.pair.Get(id)
		if l.Available() == 0 {
			continue
		}
		e.pair.SetActive(id)
		op, err := l.ReadByte()
		if err != nil {
			continue
		}
		e.Execute(l, op)
		worked = true
	}
	return worked
}

func (e *Engine) relay() bool {
	pending := e.pair.Wired().Available() + e.pair.Wireless().Available()
	if e.pair.Relay() {
		e.logger.Info("passthrough_exit", "link", e.pair.Active().String())
	}
	return pending > 0
}

// Execute runs the command whose opcode was just read from l, then drains
// whatever is left on l.
func (e *Engine) Execute(l *link.Link, op byte) {
	defer e.drain(l)
	oc, ok := opcodes[op]
	if !ok {
		e.logger.Debug("unknown_opcode", "link", l.String(), "opcode", fmt.Sprintf("0x%02X", op))
		return
	}
	metrics.IncCommand(l.String(), protocol.OpName(op))
	body, n, err := e.readBody(l, oc.body)
	if err != nil {
		e.malformed(l, op, err)
		return
	}
	oc.run(e, l, body, n)
}

// readBody reads up to want bytes within the body timeout into the engine
// buffer. The returned slice always has length want; bytes past n are zero.
func (e *Engine) readBody(l *link.Link, want int) ([]byte, int, error) {
	if want > len(e.buf) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrBodyTooLong, want, len(e.buf))
	}
	body := e.buf[:want]
	n := l.ReadWithin(body, e.bodyTimeout)
	clear(body[n:])
	return body, n, nil
}

func (e *Engine) drain(l *link.Link) {
	if n := l.Discard(); n > 0 {
		e.logger.Debug("link_drain", "link", l.String(), "bytes", n)
	}
}

func (e *Engine) malformed(l *link.Link, op byte, err error) {
	metrics.IncMalformed()
	e.logger.Debug("command_malformed", "link", l.String(), "opcode", fmt.Sprintf("0x%02X", op), "error", err)
}

func (e *Engine) reply(l *link.Link, p []byte) {
	if _, err := l.Write(p); err != nil {
		e.logger.Warn("reply_write_error", "link", l.String(), "error", err)
	}
}

func (e *Engine) event(l *link.Link, ev protocol.Event) { e.reply(l, ev.Line()) }

// sendFrame injects the frame described by the body into the dispatch queue.
func (e *Engine) sendFrame(l *link.Link, body []byte, n int) {
	fr := protocol.DecodeSendFrame(body)
	if n < protocol.SendFrameBody || !fr.Valid() {
		e.malformed(l, protocol.OpSendFrame, fmt.Errorf("%w: read %d bytes, bus %d, len %d", ErrMalformed, n, fr.BusID, fr.Len))
		return
	}
	if err := e.queue.Push(fr); err != nil {
		e.logger.Debug("inject_dropped", "link", l.String(), "bus", fr.BusID, "id", fmt.Sprintf("0x%03X", fr.ID), "error", err)
	}
}

// logging enables or disables frame logging of one bus on the issuing link
// and, with the long form, replaces that link's logging filter slot for the
// bus.
func (e *Engine) logging(l *link.Link, body []byte, n int) {
	bus := body[0]
	if n < protocol.LoggingBody || !can.ValidBus(int(bus)) {
		e.malformed(l, protocol.OpLogging, fmt.Errorf("%w: read %d bytes, bus %d", ErrMalformed, n, bus))
		e.reply(l, []byte{protocol.ReplyError})
		return
	}
	_ = l.SetLogging(bus, body[1] != 0)
	if n > protocol.LoggingBody {
		lo := uint16(body[2])<<8 | uint16(body[3])
		hi := uint16(body[4])<<8 | uint16(body[5])
		_ = l.Filters.SetSlot(bus, filter.SlotLogging, filter.Range{Lo: lo, Hi: hi})
	}
	e.logger.Debug("logging_set", "link", l.String(), "bus", bus, "enabled", body[1] != 0, "mask", l.LogMask)
	e.reply(l, []byte{protocol.ReplyOK, protocol.Terminator})
}

// wirelessFilter sets the id filter applied to frames logged on the wireless
// link, whichever link issued the command.
func (e *Engine) wirelessFilter(l *link.Link, body []byte, n int) {
	bus := body[0]
	if n < protocol.WirelessFilterBody || !can.ValidBus(int(bus)) {
		e.malformed(l, protocol.OpWirelessFilter, fmt.Errorf("%w: read %d bytes, bus %d", ErrMalformed, n, bus))
		return
	}
	lo := uint16(body[1])<<8 | uint16(body[2])
	hi := uint16(body[3])<<8 | uint16(body[4])
	_ = e.pair.Wireless().Filters.SetSlot(bus, filter.SlotWireless, filter.Range{Lo: lo, Hi: hi})
}

func (e *Engine) wireless(l *link.Link, body []byte, n int) {
	if n < protocol.SubOpBody {
		e.malformed(l, protocol.OpWireless, ErrMalformed)
		return
	}
	switch body[0] {
	case protocol.WirelessReset:
		if err := e.platform.ResetWireless(); err != nil {
			metrics.IncError(metrics.ErrWirelessReset)
			e.logger.Warn("wireless_reset_error", "error", err)
		}
	case protocol.WirelessPassthroughOn:
		e.pair.SetPassthrough(true)
	case protocol.WirelessPassthroughOff:
		e.pair.SetPassthrough(false)
	}
}

type nopPlatform struct{}

func (nopPlatform) EnterUpdateMode() error { return errors.ErrUnsupported }
func (nopPlatform) ResetWireless() error   { return nil }
