package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/command"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/middleware"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
	"github.com/kstaniek/go-cbt-gateway/internal/transport"
)

type capture struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *capture) SendFrame(fr can.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, fr)
	c.mu.Unlock()
	return nil
}

func (c *capture) all() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

type okPlatform struct{}

func (okPlatform) EnterUpdateMode() error { return nil }
func (okPlatform) ResetWireless() error   { return nil }

type harness struct {
	pair     *link.Pair
	queue    *queue.Queue
	engine   *command.Engine
	seen     []can.Frame
	bus2     *capture
	wired    []byte
	wireless []byte
	loop     *Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{bus2: &capture{}}
	h.pair = link.NewPair(
		link.New(link.Wired, func(p []byte) error { h.wired = append(h.wired, p...); return nil }, link.WithControl()),
		link.New(link.Wireless, func(p []byte) error { h.wireless = append(h.wireless, p...); return nil }),
	)
	h.queue = queue.New(8)
	h.engine = command.New(h.pair, h.queue,
		command.WithPlatform(okPlatform{}),
		command.WithBodyTimeout(0),
		command.WithLogger(logging.Discard()),
	)
	chain := middleware.NewChain(
		command.NewFrameLogger(h.pair),
		middleware.Func(func(fr can.Frame) can.Frame { h.seen = append(h.seen, fr); return fr }),
	)
	h.loop = New(chain, h.engine, h.queue,
		WithTransmitter(2, h.bus2),
		WithInterval(time.Millisecond),
		WithLogger(logging.Discard()),
	)
	return h
}

func TestStepDispatchesInjectedFrames(t *testing.T) {
	h := newHarness(t)
	fr := can.Frame{BusID: 2, ID: 0x321, Data: [8]byte{0xDE, 0xAD}, Len: 2}
	h.pair.Wired().Feed(protocol.SendFrame(fr))

	assert.True(t, h.loop.Step())
	got := h.bus2.all()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(0x321), got[0].ID)
	assert.True(t, got[0].Dispatch)
	require.Len(t, h.seen, 1, "injected frames run through the chain")
}

func TestStepDoesNotDispatchBusFrames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.queue.Push(can.Frame{BusID: 2, ID: 0x100, Len: 1}))
	h.loop.Step()
	assert.Empty(t, h.bus2.all())
	assert.Len(t, h.seen, 1)
}

func TestStepPopsOneFramePerIteration(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.Push(can.Frame{BusID: 1, ID: uint16(i)}))
	}
	h.loop.Step()
	assert.Len(t, h.seen, 1)
	assert.Equal(t, 2, h.queue.Len())
	h.loop.Step()
	h.loop.Step()
	require.Len(t, h.seen, 3)
	for i, fr := range h.seen {
		assert.Equal(t, uint16(i), fr.ID, "FIFO order")
	}
	assert.False(t, h.loop.Step())
}

func TestStepLogsFramesToEnabledLink(t *testing.T) {
	h := newHarness(t)
	h.pair.Wired().Feed(protocol.Logging(1, true, false, 0, 0))
	h.loop.Step()
	h.wired = nil

	fr := can.Frame{BusID: 1, ID: 0x0AB, Data: [8]byte{1}, Len: 1, BusStatus: 0x02}
	require.NoError(t, h.queue.Push(fr))
	h.loop.Step()
	assert.Equal(t, protocol.AppendFrameLog(nil, fr), h.wired)
}

func TestStepUnknownBusNotDispatched(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.queue.Push(can.Frame{BusID: 3, ID: 1, Dispatch: true}))
	h.loop.Step()
	assert.Empty(t, h.bus2.all())
}

func TestReloadReplacesImage(t *testing.T) {
	h := newHarness(t)
	var im settings.Image
	im[10] = 0x42
	h.loop.Reload(settings.Defaults())
	h.loop.Reload(im)
	h.loop.Step()
	assert.Equal(t, im, h.engine.Image())
}

func TestRunStopsOnUpdateMode(t *testing.T) {
	h := newHarness(t)
	h.pair.Wired().Feed(protocol.System(protocol.SysUpdateMode))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, h.loop.Run(ctx), ErrUpdateMode)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

var _ transport.FrameSink = (*capture)(nil)

func TestStepPassthroughExitSplitAcrossSteps(t *testing.T) {
	h := newHarness(t)
	h.pair.Wired().Feed([]byte{protocol.OpWireless, protocol.WirelessPassthroughOn})
	h.loop.Step()
	require.True(t, h.pair.Passthrough())

	h.pair.Wired().Feed([]byte{0x08})
	h.loop.Step()
	assert.True(t, h.pair.Passthrough())
	h.pair.Wired().Feed([]byte{0x03})
	h.loop.Step()
	h.loop.Step()
	assert.False(t, h.pair.Passthrough())
	assert.Empty(t, h.wireless, "exit sequence is never relayed")
}
