package command

import (
	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
)

// FrameLogger is the middleware that writes frame-log records to every link
// whose log mask and filter accept the frame. Nothing is logged while the
// links are in passthrough.
type FrameLogger struct {
	pair *link.Pair
	rec  []byte
}

func NewFrameLogger(p *link.Pair) *FrameLogger {
	return &FrameLogger{pair: p, rec: make([]byte, 0, protocol.FrameLogSize)}
}

func (f *FrameLogger) String() string { return "framelog" }

func (f *FrameLogger) Tick() {}

func (f *FrameLogger) Process(fr can.Frame) can.Frame {
	if f.pair.Passthrough() {
		return fr
	}
	for _, l := range f.pair.Links() {
		if !l.Accepts(fr) {
			continue
		}
		f.rec = protocol.AppendFrameLog(f.rec[:0], fr)
		if _, err := l.Write(f.rec); err == nil {
			metrics.IncLogged(l.String())
		}
	}
	return fr
}
