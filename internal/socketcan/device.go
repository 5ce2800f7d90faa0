//go:build linux

// Package socketcan implements a CAN channel on a Linux raw CAN socket.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// Error classes subscribed to with CAN_RAW_ERR_FILTER (linux/can/error.h).
const (
	errCtrl   = 0x00000004
	errBusOff = 0x00000040
)

type Device struct {
	fd     int
	iface  string
	status atomic.Uint32
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	// Controller and bus-off error frames feed Status; failure only loses status.
	_ = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errCtrl|errBusOff)
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Iface returns the interface name the device is bound to.
func (d *Device) Iface() string { return d.iface }

// Status returns the controller error byte of the last error frame, or 0
// after a bus-off recovery.
func (d *Device) Status() uint8 { return uint8(d.status.Load()) }

// ReadFrame reads one classic CAN data frame from the raw CAN socket. Error
// frames update Status and are not returned; remote requests are skipped.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			return err
		}
		if n != unix.CAN_MTU {
			return fmt.Errorf("short read: %d", n)
		}

		// struct can_frame (linux/can.h):
		//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
		//   can_dlc u8    [4]
		//   pad     3B    [5:8]
		//   data    [8]   [8:16]
		//
		// NOTE: The kernel provides fields in host byte order. On common Linux
		// archs (little-endian) this matches binary.LittleEndian.
		id := binary.LittleEndian.Uint32(buf[0:4])
		dlc := int(buf[4])
		if dlc > can.MaxLen {
			dlc = can.MaxLen
		}
		switch {
		case id&can.CAN_ERR_FLAG != 0:
			if id&errBusOff != 0 {
				d.status.Store(0xFF)
			} else {
				d.status.Store(uint32(buf[8+1]))
			}
			continue
		case id&can.CAN_RTR_FLAG != 0:
			continue
		}
		*fr = can.FromSocketCAN(id, buf[8:8+dlc])
		return nil
	}
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.SocketCANID())
	p := fr.Payload()
	buf[4] = uint8(len(p))
	copy(buf[8:], p)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
