//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")

// Device is a placeholder so non-linux builds compile.
type Device struct{}

func Open(iface string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error               { return nil }
func (d *Device) Iface() string              { return "" }
func (d *Device) Status() uint8              { return 0 }
func (d *Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (d *Device) WriteFrame(can.Frame) error { return ErrUnsupported }
