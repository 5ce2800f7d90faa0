// Package bus connects physical CAN channels to the dispatch pipeline: an RX
// loop feeding the dispatch queue and an asynchronous TX writer per channel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/transport"
)

// Bus is one physical channel. Implemented by socketcan.Device, Virtual and
// test fakes.
type Bus interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	// Status returns the controller status byte reported with every logged
	// frame (0 when healthy).
	Status() uint8
	Close() error
}

var (
	// ErrTxOverflow is returned by TXWriter.SendFrame when its buffer is full.
	ErrTxOverflow = errors.New("bus tx overflow")
	// ErrClosed is returned by a closed Virtual channel; Ingest stops on it.
	ErrClosed = fmt.Errorf("bus: %w", net.ErrClosed)
)

const (
	RxBackoffMin = 20 * time.Millisecond
	RxBackoffMax = 500 * time.Millisecond
	// TxQueueSize is the default TX buffer per channel.
	TxQueueSize = 256
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Name returns the metric and log label of bus id.
func Name(id uint8) string { return fmt.Sprintf("can%d", id) }

// Ingest reads frames from b until ctx is done or the channel is closed,
// stamping each with id and the channel status before pushing it to q. Read
// errors back off exponentially between RxBackoffMin and RxBackoffMax.
func Ingest(ctx context.Context, id uint8, b Bus, q *queue.Queue, l *slog.Logger) {
	name := Name(id)
	defer l.Info("bus_rx_end", "bus", name)
	backoff := RxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := b.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil || closed(err) {
				return
			}
			metrics.IncError(metrics.ErrBusRead)
			l.Warn("bus_read_error", "bus", name, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > RxBackoffMax {
				backoff = RxBackoffMax
			}
			continue
		}
		backoff = RxBackoffMin
		fr.BusID = id
		fr.BusStatus = b.Status()
		fr.Dispatch = false
		metrics.IncBusRx(name)
		if err := q.Push(fr); err != nil {
			l.Debug("bus_rx_dropped", "bus", name, "error", err)
		}
	}
}

func closed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// TXWriter funnels all writes of one channel through a single goroutine so
// the control loop never blocks on the controller.
type TXWriter struct{ base *transport.AsyncTx[can.Frame] }

// NewTXWriter creates a writer for channel id with a buffer of buf frames.
func NewTXWriter(parent context.Context, id uint8, b Bus, buf int) *TXWriter {
	name := Name(id)
	hooks := transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrBusWrite) },
		OnAfter: func() { metrics.IncBusTx(name) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBusOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, b.WriteFrame, hooks)}
}

// SendFrame queues fr for transmission (ErrTxOverflow if the buffer is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.Send(fr) }

// Close stops the writer and waits for its goroutine.
func (w *TXWriter) Close() { w.base.Close() }

// Channel adapts a Bus to the diagnostics surface of the command engine.
type Channel struct {
	ID  uint8
	Bus Bus
}

func (c Channel) Name() string  { return Name(c.ID) }
func (c Channel) Status() uint8 { return c.Bus.Status() }
