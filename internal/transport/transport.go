package transport

import "github.com/kstaniek/go-cbt-gateway/internal/can"

// FrameSink is a CAN frame transmission target (a bus TX writer).
type FrameSink interface {
	SendFrame(can.Frame) error
}
