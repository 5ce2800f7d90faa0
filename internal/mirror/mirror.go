// Package mirror bridges the dispatch pipeline and the TCP mirror server.
//
// The Tap middleware copies dequeued frames to the hub; Injector turns frames
// received from mirror clients into dispatch requests for one bus.
package mirror

import (
	"fmt"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/hub"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
)

// Tap broadcasts frames to every mirror client. With a non-zero bus only
// frames of that bus are mirrored.
type Tap struct {
	hub *hub.Hub
	bus uint8
}

func NewTap(h *hub.Hub, bus uint8) *Tap { return &Tap{hub: h, bus: bus} }

func (t *Tap) String() string {
	if t.bus == 0 {
		return "mirror"
	}
	return fmt.Sprintf("mirror(bus %d)", t.bus)
}

func (t *Tap) Tick() {}

func (t *Tap) Process(fr can.Frame) can.Frame {
	if t.bus == 0 || fr.BusID == t.bus {
		t.hub.Broadcast(fr)
	}
	return fr
}

// Injector queues client frames for transmission onto Bus.
type Injector struct {
	Bus   uint8
	Queue *queue.Queue
}

// Filter stamps fr with the target bus and marks it for dispatch. Nothing is
// accepted when Bus is not a valid channel.
func (in Injector) Filter(fr *can.Frame) bool {
	if !can.ValidBus(int(in.Bus)) {
		return false
	}
	fr.BusID = in.Bus
	fr.Dispatch = true
	return true
}

// Send pushes fr to the dispatch queue (queue.ErrQueueFull when full).
func (in Injector) Send(fr can.Frame) error { return in.Queue.Push(fr) }
