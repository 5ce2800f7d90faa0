package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

const (
	// NumBuses is the number of physical channels on the device.
	NumBuses = 3
	// MaxLen is the classic CAN payload size.
	MaxLen = 8
)

// Frame is the unit of data moving through the dispatch pipeline.
// Data is zero-filled past Len; only the first Len bytes are meaningful.
// Dispatch marks frames that must be transmitted onto BusID (set for frames
// injected over the command protocol, never for frames read from a bus).
type Frame struct {
	BusID     uint8
	ID        uint16
	Data      [MaxLen]byte
	Len       uint8
	BusStatus uint8
	Dispatch  bool
}

// Valid reports whether the bus id and length are inside their bounds.
func (f Frame) Valid() bool { return ValidBus(int(f.BusID)) && f.Len <= MaxLen }

// Payload returns the valid payload bytes.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// ValidBus reports whether id names one of the physical channels (1..NumBuses).
func ValidBus(id int) bool { return id >= 1 && id <= NumBuses }

// BusBit returns the bit used for bus id in per-link log masks.
func BusBit(id uint8) uint8 {
	if !ValidBus(int(id)) {
		return 0
	}
	return 1 << (id - 1)
}

// SocketCANID converts the 16-bit arbitration id into a raw SocketCAN can_id.
// Ids that do not fit the 11-bit standard space are sent with the EFF flag.
func (f Frame) SocketCANID() uint32 {
	id := uint32(f.ID)
	if id > CAN_SFF_MASK {
		return id | CAN_EFF_FLAG
	}
	return id
}

// FromSocketCAN builds a frame from a raw SocketCAN id and payload.
// Extended ids are truncated to the lower 16 bits.
func FromSocketCAN(canID uint32, payload []byte) Frame {
	var f Frame
	if canID&CAN_EFF_FLAG != 0 {
		f.ID = uint16(canID & CAN_EFF_MASK)
	} else {
		f.ID = uint16(canID & CAN_SFF_MASK)
	}
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}
