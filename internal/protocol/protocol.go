// Package protocol defines the binary command protocol spoken on the wired and
// wireless links: opcodes, reply bytes, the frame-log record and the chunked
// settings transfer.
//
// Every command starts with a one byte opcode followed by a body whose size is
// fixed per opcode (logging takes 2 or 6 bytes):
//
//	0x01 sub                     system / settings
//	0x02 bus idH idL d0..d7 len  inject frame (12 bytes)
//	0x03 bus on [loH loL hiH hiL] logging enable with optional filter
//	0x04 bus loH loL hiH hiL     wireless output filter
//	0x08 sub                     wireless module control
package protocol

import (
	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// Opcodes.
const (
	OpSystem         byte = 0x01
	OpSendFrame      byte = 0x02
	OpLogging        byte = 0x03
	OpWirelessFilter byte = 0x04
	OpWireless       byte = 0x08
)

// System sub-ops (OpSystem).
const (
	SysDebug        byte = 0x01
	SysDumpSettings byte = 0x02
	SysLoadSettings byte = 0x03
	SysRestoreDefs  byte = 0x04
	SysChannelDebug byte = 0x10
	SysUpdateMode   byte = 0x16
)

// Wireless module sub-ops (OpWireless).
const (
	WirelessReset          byte = 0x01
	WirelessPassthroughOn  byte = 0x02
	WirelessPassthroughOff byte = 0x03
)

// Body sizes.
const (
	SendFrameBody      = 12
	LoggingBody        = 2
	LoggingFilterBody  = 6
	WirelessFilterBody = 5
	SubOpBody          = 1
)

// Reply bytes and terminator.
const (
	ReplyOK    byte = 0xFF
	ReplyError byte = 0x80
	Terminator byte = '\r'
)

// Chunked settings transfer.
const (
	ChunkSize  = 32
	ImageSize  = 512
	ChunkCount = ImageSize / ChunkSize
	// ChunkBody is index + data + terminator.
	ChunkBody = 1 + ChunkSize + 1
)

// ChunkTerminator closes every settings chunk body.
const ChunkTerminator byte = 0xA1

// FrameLogSize is the size of one frame-log record.
const FrameLogSize = 1 + 1 + 2 + can.MaxLen + 1 + 1 + 1

// AppendFrameLog appends the frame-log record of fr to dst:
// 0x03, bus, idHigh, idLow, data[8], length, busStatus, '\r'.
func AppendFrameLog(dst []byte, fr can.Frame) []byte {
	dst = append(dst, OpLogging, fr.BusID, byte(fr.ID>>8), byte(fr.ID))
	dst = append(dst, fr.Data[:]...)
	return append(dst, fr.Len, fr.BusStatus, Terminator)
}

// ParseFrameLog decodes a record produced by AppendFrameLog.
func ParseFrameLog(rec []byte) (can.Frame, bool) {
	var fr can.Frame
	if len(rec) < FrameLogSize || rec[0] != OpLogging || rec[FrameLogSize-1] != Terminator {
		return fr, false
	}
	fr.BusID = rec[1]
	fr.ID = uint16(rec[2])<<8 | uint16(rec[3])
	copy(fr.Data[:], rec[4:4+can.MaxLen])
	fr.Len = rec[12]
	fr.BusStatus = rec[13]
	return fr, true
}

// DecodeSendFrame maps a 12-byte injection body onto a frame flagged for
// dispatch. Short bodies are zero padded by the caller.
func DecodeSendFrame(body []byte) can.Frame {
	var b [SendFrameBody]byte
	copy(b[:], body)
	fr := can.Frame{
		BusID:    b[0],
		ID:       uint16(b[1])<<8 | uint16(b[2]),
		Len:      b[11],
		Dispatch: true,
	}
	copy(fr.Data[:], b[3:11])
	return fr
}

// SendFrame builds an injection command.
func SendFrame(fr can.Frame) []byte {
	out := make([]byte, 0, 1+SendFrameBody)
	out = append(out, OpSendFrame, fr.BusID, byte(fr.ID>>8), byte(fr.ID))
	out = append(out, fr.Data[:]...)
	return append(out, fr.Len)
}

// Logging builds a logging enable/disable command. When lo or hi is non-zero
// the 6-byte form carrying an id filter is produced; withFilter forces it
// (zeros clear the filter).
func Logging(bus uint8, on bool, withFilter bool, lo, hi uint16) []byte {
	en := byte(0)
	if on {
		en = 1
	}
	out := []byte{OpLogging, bus, en}
	if withFilter || lo != 0 || hi != 0 {
		out = append(out, byte(lo>>8), byte(lo), byte(hi>>8), byte(hi))
	}
	return out
}

// WirelessFilter builds a wireless output filter command (0/0 disables).
func WirelessFilter(bus uint8, lo, hi uint16) []byte {
	return []byte{OpWirelessFilter, bus, byte(lo >> 8), byte(lo), byte(hi >> 8), byte(hi)}
}

// System builds a system command; extra is appended (channel debug bus id).
func System(sub byte, extra ...byte) []byte {
	return append([]byte{OpSystem, sub}, extra...)
}

// Wireless builds a wireless module control command.
func Wireless(sub byte) []byte { return []byte{OpWireless, sub} }

// Chunk builds one settings chunk command for image chunk idx.
func Chunk(idx int, data []byte) []byte {
	out := make([]byte, 0, 2+ChunkBody)
	out = append(out, OpSystem, SysLoadSettings, byte(idx))
	var c [ChunkSize]byte
	copy(c[:], data)
	out = append(out, c[:]...)
	return append(out, ChunkTerminator)
}

// OpName returns a stable metric label for an opcode.
func OpName(op byte) string {
	switch op {
	case OpSystem:
		return "system"
	case OpSendFrame:
		return "send_frame"
	case OpLogging:
		return "logging"
	case OpWirelessFilter:
		return "wireless_filter"
	case OpWireless:
		return "wireless"
	default:
		return "unknown"
	}
}
