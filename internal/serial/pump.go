package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

const (
	// ReadBufSize is the per read() buffer.
	ReadBufSize  = 512
	RxBackoffMin = 20 * time.Millisecond
	RxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Pump copies bytes read from sp into l until ctx is done or the device
// goes away. Transient read errors back off exponentially.
func Pump(ctx context.Context, sp Port, l *link.Link, lg *slog.Logger) {
	defer lg.Info("serial_rx_end", "link", l.String())
	buf := make([]byte, ReadBufSize)
	backoff := RxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			l.Feed(buf[:n])
			backoff = RxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil { // shutting down
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			return // device removed or closed
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout
		}
		metrics.IncError(metrics.ErrLinkRead)
		lg.Warn("serial_read_error", "link", l.String(), "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > RxBackoffMax {
			backoff = RxBackoffMax
		}
	}
}
