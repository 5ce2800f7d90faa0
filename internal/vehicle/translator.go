// Package vehicle translates vehicle CAN traffic into compact state messages
// for the wireless companion display.
//
// Every message has the shape 0x7C 0x7C op payload... and is written to the
// wireless link only while that link is the active one and the links are not
// bridged in passthrough. Signals are grouped;
// each group keeps its own last value and send time so a change in one group
// never gates another.
package vehicle

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// Prefix is sent twice in front of every message.
const Prefix byte = 0x7C

// Source frame identifiers.
const (
	IDDisplay     uint16 = 0x028
	IDPower       uint16 = 0x101
	IDBluetooth   uint16 = 0x102
	IDAudio       uint16 = 0x10A
	IDThermostat  uint16 = 0x131
	IDClimate     uint16 = 0x132
	IDClock       uint16 = 0x502
	IDOutsideTemp uint16 = 0x531
)

// Outbound opcodes.
const (
	OpPower       byte = 0x10
	OpAudio       byte = 0x11
	OpMute        byte = 0x12
	OpThermostat  byte = 0x13
	OpClock       byte = 0x14
	OpOutsideTemp byte = 0x15
	OpBluetooth   byte = 0x16
	OpClimate     byte = 0x17
	OpDisplay     byte = 0x28
)

// Audio frame mode byte (d1).
const (
	audioVolume byte = 0x10
	audioMuted  byte = 0x44
	audioLive   byte = 0x00
)

// Timing.
const (
	SendDelay      = 20 * time.Millisecond
	DisplayRefresh = 1000 * time.Millisecond
	MuteDebounce   = 500 * time.Millisecond
	ClockInterval  = 2000 * time.Millisecond
	TempInterval   = 5000 * time.Millisecond
)

// unknown marks a signal that was never sent.
const unknown = -1

type state struct {
	display     [5]byte
	displaySent bool
	lastDisplay time.Time

	power int

	volume, source, station, band int

	mute     int
	lastMute time.Time

	thermostat int

	hour, minute int
	lastClock    time.Time

	outsideTemp int
	lastTemp    time.Time

	bluetooth int

	vents, airflow, compressor int
}

func (s *state) reset() {
	*s = state{}
	for _, p := range []*int{
		&s.power, &s.volume, &s.source, &s.station, &s.band, &s.mute,
		&s.thermostat, &s.hour, &s.minute, &s.outsideTemp, &s.bluetooth,
		&s.vents, &s.airflow, &s.compressor,
	} {
		*p = unknown
	}
}

// Translator is a middleware. It is driven by the control loop and is not
// safe for concurrent use.
type Translator struct {
	pair *link.Pair

	now    func() time.Time
	sleep  func(time.Duration)
	logger *slog.Logger

	st  state
	msg []byte
}

type Option func(*Translator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(t *Translator) { t.now = now } }

// WithSleep replaces the pre-send delay.
func WithSleep(sleep func(time.Duration)) Option { return func(t *Translator) { t.sleep = sleep } }

func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a translator writing to the wireless link of pair. The active
// link is the pair's.
func New(pair *link.Pair, opts ...Option) *Translator {
	t := &Translator{
		pair:   pair,
		now:    time.Now,
		sleep:  time.Sleep,
		logger: logging.Component("vehicle"),
		msg:    make([]byte, 0, 8),
	}
	for _, o := range opts {
		o(t)
	}
	t.st.reset()
	return t
}

func (t *Translator) String() string { return "vehicle" }

// Reset forgets every last-sent value.
func (t *Translator) Reset() { t.st.reset() }

// Active reports whether messages are currently emitted.
func (t *Translator) Active() bool {
	return !t.pair.Passthrough() && t.pair.ActiveID() == link.Wireless
}

// Tick marks the link with pending input as the pair's active link; the wired
// link wins a tie. Nothing changes while in passthrough.
func (t *Translator) Tick() {
	if t.pair.Passthrough() {
		return
	}
	if t.pair.Wireless().Available() > 0 {
		t.pair.SetActive(link.Wireless)
	}
	if t.pair.Wired().Available() > 0 {
		t.pair.SetActive(link.Wired)
	}
}

func (t *Translator) Process(fr can.Frame) can.Frame {
	if !t.Active() {
		return fr
	}
	d := fr.Data
	s := &t.st
	switch fr.ID {
	case IDDisplay:
		t.display(d)
	case IDPower:
		if int(d[5]) != s.power && t.emit("power", OpPower, d[5]) {
			s.power = int(d[5])
		}
	case IDAudio:
		t.audio(d)
		t.muting(d[1])
	case IDThermostat:
		if int(d[2]) != s.thermostat && t.emit("thermostat", OpThermostat, d[2]) {
			s.thermostat = int(d[2])
		}
	case IDClock:
		if (int(d[0]) != s.hour || int(d[1]) != s.minute) && t.due(s.lastClock, ClockInterval) &&
			t.emit("clock", OpClock, d[0], d[1]) {
			s.hour, s.minute = int(d[0]), int(d[1])
			s.lastClock = t.now()
		}
	case IDOutsideTemp:
		if int(d[2]) != s.outsideTemp && t.due(s.lastTemp, TempInterval) &&
			t.emit("outside_temp", OpOutsideTemp, d[2]) {
			s.outsideTemp = int(d[2])
			s.lastTemp = t.now()
		}
	case IDBluetooth:
		if int(d[1]) != s.bluetooth && t.emit("bluetooth", OpBluetooth, d[1]) {
			s.bluetooth = int(d[1])
		}
	case IDClimate:
		t.climate(d)
	}
	return fr
}

func (t *Translator) display(d [can.MaxLen]byte) {
	s := &t.st
	var p [5]byte
	copy(p[:], d[1:6])
	if s.displaySent && p == s.display && !t.due(s.lastDisplay, DisplayRefresh) {
		return
	}
	if !t.emit("display", OpDisplay, p[:]...) {
		return
	}
	s.display, s.displaySent = p, true
	s.lastDisplay = t.now()
}

// audio covers volume, source, station and band as one message. Volume only
// counts as changed while the head unit reports volume mode.
func (t *Translator) audio(d [can.MaxLen]byte) {
	s := &t.st
	changed := (d[1] == audioVolume && int(d[2]) != s.volume) ||
		int(d[0]) != s.source || int(d[4]) != s.station || int(d[5]) != s.band
	if !changed {
		return
	}
	if !t.emit("audio", OpAudio, d[2], d[0], d[4], d[5]) {
		return
	}
	s.volume, s.source, s.station, s.band = int(d[2]), int(d[0]), int(d[4]), int(d[5])
}

// muting reports mute immediately; unmute is held back until MuteDebounce
// has passed since the last mute.
func (t *Translator) muting(mode byte) {
	s := &t.st
	switch mode {
	case audioMuted:
		if s.mute != int(audioMuted) && t.emit("mute", OpMute, 0x01) {
			s.mute = int(audioMuted)
			s.lastMute = t.now()
		}
	case audioLive:
		if s.mute != int(audioLive) && t.due(s.lastMute, MuteDebounce) && t.emit("mute", OpMute, 0x00) {
			s.mute = int(audioLive)
			s.lastMute = time.Time{}
		}
	}
}

func (t *Translator) climate(d [can.MaxLen]byte) {
	s := &t.st
	switch d[1] {
	case 0x10, 0x11, 0x14, 0x15:
		// Transitional airflow states.
		return
	}
	if int(d[0]) == s.vents && int(d[1]) == s.airflow && int(d[2]) == s.compressor {
		return
	}
	if !t.emit("climate", OpClimate, d[0], d[1], d[2]) {
		return
	}
	s.vents, s.airflow, s.compressor = int(d[0]), int(d[1]), int(d[2])
}

// due reports whether at least interval elapsed since last; a zero last is
// always due.
func (t *Translator) due(last time.Time, interval time.Duration) bool {
	return last.IsZero() || t.now().Sub(last) >= interval
}

// emit writes one message and reports whether it was sent. Callers record
// the new value only on success so a failed send is retried on the next
// frame.
func (t *Translator) emit(signal string, op byte, payload ...byte) bool {
	t.sleep(SendDelay)
	t.msg = append(t.msg[:0], Prefix, Prefix, op)
	t.msg = append(t.msg, payload...)
	if _, err := t.pair.Wireless().Write(t.msg); err != nil {
		t.logger.Debug("vehicle_write_error", "signal", signal, "error", err)
		return false
	}
	metrics.IncVehicle(signal)
	return true
}
