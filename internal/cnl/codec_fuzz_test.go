package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
)

// FuzzDecodeNFrames feeds arbitrary client bytes to the decoder. Every frame
// it yields must be a classic frame with routing fields left for the caller.
func FuzzDecodeNFrames(f *testing.F) {
	c := Codec{}
	for _, seed := range [][]can.Frame{
		{mkFrame(0x7DF, 8)},
		{mkFrame(0x028, 5), mkFrame(0x10A, 6)},
		{mkFrame(0x000, 0)},
	} {
		f.Add(c.Encode(seed))
	}
	f.Add([]byte{0x80, 0, 0x01, 0x23, 0x0F})
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		var frames []can.Frame
		_, _ = c.DecodeN(r, 16, func(fr can.Frame) { frames = append(frames, fr) })
		for _, fr := range frames {
			if fr.Len > can.MaxLen {
				t.Fatalf("decoded oversized frame: %+v", fr)
			}
			if fr.BusID != 0 || fr.Dispatch {
				t.Fatalf("decoder set routing fields: %+v", fr)
			}
		}
	})
}
