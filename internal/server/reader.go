package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/hub"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
)

// readBatch bounds the frames decoded per read deadline refresh.
const readBatch = 16

// startReader launches the goroutine decoding client frames and handing them
// to Send. Its exit closes cl so the writer stops too.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close(); cl.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.inject(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				s.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) inject(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	if s.Send == nil {
		return
	}
	s.totalInjected.Add(1)
	if err := s.Send(fr); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.totalInjectOverflow.Add(1)
			logger.Debug("inject_overflow_drop", "bus", fr.BusID, "id", fmt.Sprintf("0x%03X", fr.ID))
			return
		}
		s.setError(fmt.Errorf("%w: %v", ErrInject, err))
		logger.Error("inject_error", "error", err, "id", fmt.Sprintf("0x%03X", fr.ID))
	}
}
