package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := &Client{Out: make(chan can.Frame, 4), Closed: make(chan struct{})}
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{BusID: 1, ID: 0x123})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	select {
	case <-cl.Closed:
		t.Fatal("drop policy must not close the client")
	default:
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := &Client{Out: make(chan can.Frame, 1), Closed: make(chan struct{})}
	fast := &Client{Out: make(chan can.Frame, 16), Closed: make(chan struct{})}
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	// Fill slow buffer
	h.Broadcast(can.Frame{BusID: 1, ID: 0x1})

	// Now send bursts that would drop on slow but must be delivered to fast
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{BusID: 1, ID: 0x2})
	}
	if got := len(fast.Out); got != 11 {
		t.Fatalf("fast client got %d frames, want 11", got)
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := &Client{Out: make(chan can.Frame, 1), Closed: make(chan struct{})}
	h.Add(cl)
	h.Broadcast(can.Frame{ID: 1})
	h.Broadcast(can.Frame{ID: 2})
	select {
	case <-cl.Closed:
	default:
		t.Fatal("expected slow client to be kicked")
	}
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("expected no clients, got %d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]BackpressurePolicy{"": PolicyDrop, "drop": PolicyDrop, "kick": PolicyKick} {
		got, ok := ParsePolicy(in)
		if !ok || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParsePolicy("block"); ok {
		t.Fatal("expected unknown policy to be rejected")
	}
}
