// Package client speaks the gateway command protocol from the host side of a
// wired or wireless link.
//
// A Client does no framing of its own beyond what the protocol defines: reply
// bytes and event lines are read from the same stream the gateway writes frame
// logs to, so logging should be disabled on the link while issuing commands
// that expect a reply.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
)

var (
	// ErrRejected is returned when the gateway answers with the error reply.
	ErrRejected = errors.New("client: command rejected")
	// ErrFailed is returned when an event reports a failure result.
	ErrFailed = errors.New("client: command failed")
	// ErrNoReply is returned when the expected event did not arrive within
	// the line budget.
	ErrNoReply = errors.New("client: no reply")
)

const (
	// DefaultRetries is the number of attempts per settings chunk.
	DefaultRetries = 3
	// maxLines bounds the lines skipped while waiting for an event.
	maxLines = 64
)

type Client struct {
	w       io.Writer
	r       *bufio.Reader
	retries int
	logger  *slog.Logger
}

type Option func(*Client)

// WithRetries sets the attempts per settings chunk (minimum 1).
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(rw io.ReadWriter, opts ...Option) *Client {
	c := &Client{w: rw, r: bufio.NewReader(rw), retries: DefaultRetries, logger: logging.L()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) write(p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return fmt.Errorf("client write: %w", err)
	}
	return nil
}

// SendFrame asks the gateway to transmit fr on fr.BusID.
func (c *Client) SendFrame(fr can.Frame) error {
	if !fr.Valid() {
		return fmt.Errorf("client: invalid frame bus=%d len=%d", fr.BusID, fr.Len)
	}
	return c.write(protocol.SendFrame(fr))
}

// SetLogging enables or disables frame logging of bus on this link. A
// non-nil filter installs an inclusive id range (0/0 clears it).
func (c *Client) SetLogging(bus uint8, on bool, f *[2]uint16) error {
	var cmd []byte
	if f != nil {
		cmd = protocol.Logging(bus, on, true, f[0], f[1])
	} else {
		cmd = protocol.Logging(bus, on, false, 0, 0)
	}
	if err := c.write(cmd); err != nil {
		return err
	}
	return c.readReply()
}

// SetWirelessFilter sets the id range logged on the wireless link for bus.
func (c *Client) SetWirelessFilter(bus uint8, lo, hi uint16) error {
	return c.write(protocol.WirelessFilter(bus, lo, hi))
}

// Wireless sends a wireless module control sub-op.
func (c *Client) Wireless(sub byte) error { return c.write(protocol.Wireless(sub)) }

// Debug returns the gateway version event.
func (c *Client) Debug() (protocol.Event, error) {
	if err := c.write(protocol.System(protocol.SysDebug)); err != nil {
		return protocol.Event{}, err
	}
	return c.readEvent(protocol.EventVersion)
}

// ChannelDebug returns the diagnostics event of bus.
func (c *Client) ChannelDebug(bus uint8) (protocol.Event, error) {
	if err := c.write(protocol.System(protocol.SysChannelDebug, bus)); err != nil {
		return protocol.Event{}, err
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("client read: %w", err)
	}
	if b[0] == protocol.ReplyError {
		_, _ = c.r.Discard(1)
		return protocol.Event{}, fmt.Errorf("%w: channel %d", ErrRejected, bus)
	}
	return c.readEvent(protocol.EventBusDebug)
}

// DumpSettings reads the current settings image.
func (c *Client) DumpSettings() (settings.Image, error) {
	if err := c.write(protocol.System(protocol.SysDumpSettings)); err != nil {
		return settings.Image{}, err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return settings.Image{}, fmt.Errorf("client read: %w", err)
	}
	return settings.ParseHex(line)
}

// RestoreDefaults resets the stored image to the first-boot defaults.
func (c *Client) RestoreDefaults() error {
	if err := c.write(protocol.System(protocol.SysRestoreDefs)); err != nil {
		return err
	}
	_, err := c.readEvent(protocol.EventDefaults)
	return err
}

// PushSettings transfers im chunk by chunk, retrying a rejected chunk up to
// the configured attempts, and waits for the save result that follows the
// last chunk.
func (c *Client) PushSettings(im settings.Image) error {
	for idx := 0; idx < settings.Chunks; idx++ {
		data, _ := im.Chunk(idx)
		if err := c.pushChunk(idx, data); err != nil {
			return err
		}
	}
	_, err := c.readEvent(protocol.EventSettingsSave)
	return err
}

func (c *Client) pushChunk(idx int, data []byte) error {
	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err = c.write(protocol.Chunk(idx, data)); err != nil {
			return err
		}
		_, err = c.readEvent(protocol.EventSettingsData)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrFailed) {
			return err
		}
		c.logger.Warn("settings_chunk_retry", "chunk", idx, "attempt", attempt)
	}
	return fmt.Errorf("chunk %d: %w", idx, err)
}

// EnterUpdateMode asks the gateway to hand control to its updater.
func (c *Client) EnterUpdateMode() error {
	if err := c.write(protocol.System(protocol.SysUpdateMode)); err != nil {
		return err
	}
	_, err := c.readEvent(protocol.EventUpdateMode)
	return err
}

// ReadFrameLog reads the next frame-log record, skipping bytes until a
// well-formed record is found.
func (c *Client) ReadFrameLog() (can.Frame, error) {
	for {
		b, err := c.r.Peek(protocol.FrameLogSize)
		if err != nil {
			return can.Frame{}, fmt.Errorf("client read: %w", err)
		}
		if fr, ok := protocol.ParseFrameLog(b); ok {
			_, _ = c.r.Discard(protocol.FrameLogSize)
			return fr, nil
		}
		_, _ = c.r.Discard(1)
	}
}

// readReply consumes the ok/error reply of a logging command.
func (c *Client) readReply() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return fmt.Errorf("client read: %w", err)
	}
	switch b {
	case protocol.ReplyOK:
		if t, err := c.r.ReadByte(); err != nil || t != protocol.Terminator {
			return fmt.Errorf("client: bad reply terminator 0x%02X: %v", t, err)
		}
		return nil
	case protocol.ReplyError:
		return ErrRejected
	default:
		return fmt.Errorf("client: unexpected reply 0x%02X", b)
	}
}

// readEvent reads lines until an event named name arrives. Failure results
// are returned as ErrFailed with the event.
func (c *Client) readEvent(name string) (protocol.Event, error) {
	for i := 0; i < maxLines; i++ {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			return protocol.Event{}, fmt.Errorf("client read: %w", err)
		}
		for _, ev := range protocol.ScanEvents(line) {
			if ev.Event != name {
				continue
			}
			if ev.Result == protocol.ResultFailure {
				return ev, fmt.Errorf("%w: %s %s", ErrFailed, ev.Event, ev.Error)
			}
			return ev, nil
		}
	}
	return protocol.Event{}, fmt.Errorf("%w: %s", ErrNoReply, name)
}
