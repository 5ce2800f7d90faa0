package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// fakePort delivers scripted reads then reports read timeouts.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes bytes.Buffer
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		time.Sleep(2 * time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, f.reads[f.idx])
	f.idx++
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.writes.Bytes()...)
}

// fakeErrPort always returns a synthetic error to trigger backoff.
type fakeErrPort struct{}

func (fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (fakeErrPort) Close() error                { return nil }

// blockingPort never completes a write until closed.
type blockingPort struct{ block chan struct{} }

func (p *blockingPort) Read(b []byte) (int, error)  { return 0, io.EOF }
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { close(p.block); return nil }

func TestPumpFeedsLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sp := &fakePort{reads: [][]byte{{0x03, 0x01}, {0x01}}}
	l := link.New(link.Wired, nil)
	done := make(chan struct{})
	go func() { Pump(ctx, sp, l, logging.Discard()); close(done) }()

	deadline := time.Now().Add(time.Second)
	for l.Available() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout, have %d bytes", l.Available())
		}
		time.Sleep(time.Millisecond)
	}
	p := make([]byte, 3)
	if n := l.ReadAvailable(p); n != 3 || !bytes.Equal(p, []byte{0x03, 0x01, 0x01}) {
		t.Fatalf("unexpected bytes: %x", p[:n])
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestPumpBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	Pump(ctx, fakeErrPort{}, link.New(link.Wireless, nil), logging.Discard())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	if seen[0] != RxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", RxBackoffMin, seen[0])
	}
	prev := seen[0]
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > RxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, RxBackoffMax)
		}
		prev = d
	}
}

func TestTXWriterWritesInOrder(t *testing.T) {
	sp := &fakePort{}
	w := NewTXWriter(context.Background(), "wired", sp, 8)
	for _, p := range [][]byte{{1, 2}, {3}, {4, 5, 6}} {
		if err := w.Send(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for len(sp.written()) < 6 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for writes")
		}
		time.Sleep(time.Millisecond)
	}
	w.Close()
	if got := sp.written(); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected output: %x", got)
	}
}

func TestTXWriterOverflow(t *testing.T) {
	bp := &blockingPort{block: make(chan struct{})}
	w := NewTXWriter(context.Background(), "wireless", bp, 4)
	defer w.Close()
	defer bp.Close()
	beforeErrs := metrics.Snap().Errors

	var overflowErr error
	for i := 0; i < 8; i++ {
		if err := w.Send([]byte{byte(i)}); err != nil && overflowErr == nil {
			overflowErr = err
		}
	}
	if !errors.Is(overflowErr, ErrTxOverflow) {
		t.Fatalf("expected ErrTxOverflow, got %v", overflowErr)
	}
	if n := w.Pending(); n < 3 || n > 4 {
		t.Fatalf("expected a full buffer, pending=%d", n)
	}
	if metrics.Snap().Errors == beforeErrs {
		t.Fatalf("expected error metric increment on overflow")
	}
}
