package vehicle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
)

type sink struct {
	mu   sync.Mutex
	msgs [][]byte
	fail error
}

func (s *sink) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.msgs = append(s.msgs, p)
	return nil
}

func (s *sink) failWith(err error) { s.mu.Lock(); s.fail = err; s.mu.Unlock() }

func (s *sink) take() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs
	s.msgs = nil
	return out
}

type fixture struct {
	tr     *Translator
	out    *sink
	pair   *link.Pair
	wired  *link.Link
	wl     *link.Link
	now    time.Time
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{out: &sink{}, now: time.Unix(1_700_000_000, 0)}
	f.wired = link.New(link.Wired, func([]byte) error { return nil })
	f.wl = link.New(link.Wireless, f.out.write)
	f.pair = link.NewPair(f.wired, f.wl)
	f.tr = New(f.pair,
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(d time.Duration) { f.sleeps = append(f.sleeps, d) }),
		WithLogger(logging.Discard()),
	)
	f.activateWireless()
	return f
}

func (f *fixture) activateWireless() {
	f.wl.Feed([]byte{0})
	f.tr.Tick()
	f.wl.Discard()
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func frame(id uint16, data ...byte) can.Frame {
	fr := can.Frame{BusID: 1, ID: id, Len: 8}
	copy(fr.Data[:], data)
	return fr
}

func msg(op byte, payload ...byte) []byte {
	return append([]byte{Prefix, Prefix, op}, payload...)
}

func TestSilentWhileWiredActive(t *testing.T) {
	f := newFixture(t)
	f.wired.Feed([]byte{1})
	f.wl.Feed([]byte{1})
	f.tr.Tick()
	assert.False(t, f.tr.Active(), "wired wins a tie")

	f.tr.Process(frame(IDPower, 0, 0, 0, 0, 0, 1))
	assert.Empty(t, f.out.take())

	f.wired.Discard()
	f.tr.Tick()
	assert.True(t, f.tr.Active())
	f.tr.Process(frame(IDPower, 0, 0, 0, 0, 0, 1))
	assert.Equal(t, [][]byte{msg(OpPower, 1)}, f.out.take())
}

func TestProcessReturnsFrameUnchanged(t *testing.T) {
	f := newFixture(t)
	in := frame(IDThermostat, 1, 2, 3, 4)
	assert.Equal(t, in, f.tr.Process(in))
}

func TestOnChangeSignalsAreIdempotent(t *testing.T) {
	cases := []struct {
		name string
		fr   can.Frame
		want []byte
	}{
		{"power", frame(IDPower, 0, 0, 0, 0, 0, 0x01), msg(OpPower, 0x01)},
		{"thermostat", frame(IDThermostat, 0, 0, 0x2C), msg(OpThermostat, 0x2C)},
		{"bluetooth", frame(IDBluetooth, 0, 0x02), msg(OpBluetooth, 0x02)},
		{"climate", frame(IDClimate, 0x03, 0x20, 0x01), msg(OpClimate, 0x03, 0x20, 0x01)},
		{"clock", frame(IDClock, 12, 34), msg(OpClock, 12, 34)},
		{"outside temp", frame(IDOutsideTemp, 0, 0, 0x41), msg(OpOutsideTemp, 0x41)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.tr.Process(tc.fr)
			f.tr.Process(tc.fr)
			assert.Equal(t, [][]byte{tc.want}, f.out.take())
			assert.Equal(t, []time.Duration{SendDelay}, f.sleeps)
		})
	}
}

func TestDisplayRefresh(t *testing.T) {
	f := newFixture(t)
	fr := frame(IDDisplay, 0xAA, 1, 2, 3, 4, 5)
	f.tr.Process(fr)
	f.advance(999 * time.Millisecond)
	f.tr.Process(fr)
	assert.Equal(t, [][]byte{msg(OpDisplay, 1, 2, 3, 4, 5)}, f.out.take())

	f.advance(time.Millisecond)
	f.tr.Process(fr)
	assert.Len(t, f.out.take(), 1, "refresh after DisplayRefresh")

	f.tr.Process(frame(IDDisplay, 0xAA, 1, 2, 3, 4, 6))
	assert.Equal(t, [][]byte{msg(OpDisplay, 1, 2, 3, 4, 6)}, f.out.take(), "changed payload sent at once")
}

func TestMuteDebounce(t *testing.T) {
	f := newFixture(t)
	muted := frame(IDAudio, 0x51, 0x44, 0x0A, 0, 0x07, 0x01)
	live := frame(IDAudio, 0x51, 0x00, 0x0A, 0, 0x07, 0x01)

	f.tr.Process(muted)
	out := f.out.take()
	require.Len(t, out, 2)
	assert.Equal(t, msg(OpAudio, 0x0A, 0x51, 0x07, 0x01), out[0])
	assert.Equal(t, msg(OpMute, 0x01), out[1])

	f.advance(499 * time.Millisecond)
	f.tr.Process(live)
	assert.Empty(t, f.out.take(), "unmute inside debounce window")

	f.advance(time.Millisecond)
	f.tr.Process(live)
	assert.Equal(t, [][]byte{msg(OpMute, 0x00)}, f.out.take())

	f.tr.Process(live)
	assert.Empty(t, f.out.take())
}

func TestAudioGroup(t *testing.T) {
	f := newFixture(t)
	f.tr.Process(frame(IDAudio, 0x02, 0x10, 0x05, 0, 0x11, 0x01))
	assert.Equal(t, [][]byte{msg(OpAudio, 0x05, 0x02, 0x11, 0x01)}, f.out.take())

	// Volume change in volume mode.
	f.tr.Process(frame(IDAudio, 0x02, 0x10, 0x06, 0, 0x11, 0x01))
	assert.Equal(t, [][]byte{msg(OpAudio, 0x06, 0x02, 0x11, 0x01)}, f.out.take())

	// Volume byte ignored outside volume mode.
	f.tr.Process(frame(IDAudio, 0x02, 0x20, 0x09, 0, 0x11, 0x01))
	assert.Empty(t, f.out.take())

	// Station change.
	f.tr.Process(frame(IDAudio, 0x02, 0x20, 0x09, 0, 0x12, 0x01))
	assert.Equal(t, [][]byte{msg(OpAudio, 0x09, 0x02, 0x12, 0x01)}, f.out.take())
}

func TestClockInterval(t *testing.T) {
	f := newFixture(t)
	f.tr.Process(frame(IDClock, 10, 0))
	f.advance(1999 * time.Millisecond)
	f.tr.Process(frame(IDClock, 10, 1))
	assert.Len(t, f.out.take(), 1)

	f.advance(time.Millisecond)
	f.tr.Process(frame(IDClock, 10, 1))
	assert.Equal(t, [][]byte{msg(OpClock, 10, 1)}, f.out.take())
}

func TestOutsideTempInterval(t *testing.T) {
	f := newFixture(t)
	f.tr.Process(frame(IDOutsideTemp, 0, 0, 20))
	f.advance(4999 * time.Millisecond)
	f.tr.Process(frame(IDOutsideTemp, 0, 0, 21))
	assert.Len(t, f.out.take(), 1)

	f.advance(time.Millisecond)
	f.tr.Process(frame(IDOutsideTemp, 0, 0, 21))
	assert.Equal(t, [][]byte{msg(OpOutsideTemp, 21)}, f.out.take())
}

func TestGroupsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.tr.Process(frame(IDClock, 8, 15))
	f.tr.Process(frame(IDOutsideTemp, 0, 0, 30))
	f.out.take()

	// A clock send never delays temperature and vice versa.
	f.advance(100 * time.Millisecond)
	f.tr.Process(frame(IDPower, 0, 0, 0, 0, 0, 1))
	f.tr.Process(frame(IDThermostat, 0, 0, 5))
	assert.Len(t, f.out.take(), 2)

	f.advance(1900 * time.Millisecond)
	f.tr.Process(frame(IDClock, 8, 16))
	f.tr.Process(frame(IDOutsideTemp, 0, 0, 31))
	assert.Equal(t, [][]byte{msg(OpClock, 8, 16)}, f.out.take())
}

func TestClimateIgnoresTransitionalAirflow(t *testing.T) {
	f := newFixture(t)
	for _, af := range []byte{0x10, 0x11, 0x14, 0x15} {
		f.tr.Process(frame(IDClimate, 1, af, 0))
	}
	assert.Empty(t, f.out.take())
	f.tr.Process(frame(IDClimate, 1, 0x20, 0))
	assert.Len(t, f.out.take(), 1)
}

func TestResetForgetsState(t *testing.T) {
	f := newFixture(t)
	fr := frame(IDBluetooth, 0, 1)
	f.tr.Process(fr)
	f.tr.Reset()
	f.tr.Process(fr)
	assert.Len(t, f.out.take(), 2)
}

func TestActiveLinkComesFromPair(t *testing.T) {
	f := newFixture(t)
	f.pair.SetActive(link.Wired)
	assert.False(t, f.tr.Active())
	f.pair.SetActive(link.Wireless)
	assert.True(t, f.tr.Active())

	f.wired.Feed([]byte{1})
	f.tr.Tick()
	assert.Equal(t, link.Wired, f.pair.ActiveID(), "tick marks the pair")
}

func TestSilentDuringPassthrough(t *testing.T) {
	f := newFixture(t)
	f.pair.SetPassthrough(true)
	f.wl.Feed([]byte("OK"))
	f.tr.Tick()
	assert.False(t, f.tr.Active())

	in := frame(IDPower, 0, 0, 0, 0, 0, 1)
	assert.Equal(t, in, f.tr.Process(in))
	assert.Empty(t, f.out.take())

	f.pair.SetPassthrough(false)
	f.wl.Discard()
	f.tr.Process(in)
	assert.Equal(t, [][]byte{msg(OpPower, 1)}, f.out.take(), "value not recorded while bridged")
}

func TestFailedSendIsRetried(t *testing.T) {
	f := newFixture(t)
	f.out.failWith(errors.New("tx overflow"))
	f.tr.Process(frame(IDThermostat, 0, 0, 0x20))
	f.tr.Process(frame(IDClock, 9, 30))
	assert.Empty(t, f.out.take())

	f.out.failWith(nil)
	f.tr.Process(frame(IDThermostat, 0, 0, 0x20))
	f.tr.Process(frame(IDClock, 9, 30))
	assert.Equal(t, [][]byte{msg(OpThermostat, 0x20), msg(OpClock, 9, 30)}, f.out.take())
}
