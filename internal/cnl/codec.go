// Package cnl implements the cannelloni TCP wire format used by the network
// mirror: a CANNELLONIv1 hello followed by a stream of
// id(4, big endian) len(1) data(len) records.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// recordMax is the worst case size of one record.
const recordMax = 4 + 1 + can.MaxLen

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * recordMax)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes
// written. The id carries the SocketCAN flags (EFF for ids above 0x7FF).
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var rec [recordMax]byte
	for _, f := range frames {
		p := f.Payload()
		binary.BigEndian.PutUint32(rec[0:4], f.SocketCANID())
		rec[4] = uint8(len(p))
		n := copy(rec[5:], p)
		m, err := w.Write(rec[:5+n])
		total += m
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. Bus, status and dispatch flag are
// left zero for the caller to set. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncError(metrics.ErrMirrorConn)
		return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
	}
	ln := int(hdr[4] & 0x7F) // high bit carries CAN FD flags
	if ln > can.MaxLen {
		metrics.IncError(metrics.ErrMirrorConn)
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxLen]byte
	if ln > 0 {
		if _, err := io.ReadFull(r, data[:ln]); err != nil {
			metrics.IncError(metrics.ErrMirrorConn)
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return can.FromSocketCAN(binary.BigEndian.Uint32(hdr[:4]), data[:ln]), nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
