package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Magic is exchanged by both peers before any frame is sent.
const Magic = "CANNELLONIv1"

// ErrBadHello is returned when the peer opens with anything but Magic.
var ErrBadHello = errors.New("cnl: bad hello")

// past unblocks pending I/O on a conn when set as its deadline.
var past = time.Unix(1, 0)

// Handshake sends Magic and expects it back within timeout. Cancelling ctx
// aborts the exchange. On failure the conn is left with an expired deadline.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("cnl: set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(past) })
	defer stop()

	sent := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, Magic)
		sent <- err
	}()

	buf := make([]byte, len(Magic))
	_, err := io.ReadFull(c, buf)
	if err == nil && string(buf) != Magic {
		err = fmt.Errorf("%w: %q", ErrBadHello, buf)
	}
	if err != nil {
		_ = c.SetDeadline(past)
		<-sent
		return handshakeErr(ctx, err)
	}
	if err := <-sent; err != nil {
		return handshakeErr(ctx, err)
	}
	if !stop() {
		return ctx.Err()
	}
	return c.SetDeadline(time.Time{})
}

func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("handshake: %w", err)
}
