package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all writes of one port through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[[]byte] }

// NewTXWriter creates a TXWriter for the port serving link name with a buffer
// of buf writes.
func NewTXWriter(parent context.Context, name string, sp Port, buf int) *TXWriter {
	send := func(p []byte) error {
		_, err := sp.Write(p)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			logging.L().Error("serial_write_error", "link", name, "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues p for asynchronous write (ErrTxOverflow if the buffer is full).
// p must not be modified afterwards.
func (w *TXWriter) Send(p []byte) error { return w.base.Send(p) }

// Pending returns the number of queued writes.
func (w *TXWriter) Pending() int { return w.base.Pending() }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
