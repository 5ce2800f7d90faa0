package command

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
)

// system dispatches the 0x01 sub-ops. Sub-ops with a body of their own read
// it from l after the sub-op byte.
func (e *Engine) system(l *link.Link, body []byte, n int) {
	if n < protocol.SubOpBody {
		e.malformed(l, protocol.OpSystem, ErrMalformed)
		return
	}
	switch sub := body[0]; sub {
	case protocol.SysDebug:
		e.debugInfo(l)
	case protocol.SysDumpSettings:
		e.reply(l, []byte(e.image.Hex()+"\n"))
	case protocol.SysLoadSettings:
		e.loadChunk(l)
	case protocol.SysRestoreDefs:
		e.restoreDefaults(l)
	case protocol.SysChannelDebug:
		e.channelDebug(l)
	case protocol.SysUpdateMode:
		e.enterUpdateMode(l)
	default:
		e.logger.Debug("unknown_system_subop", "link", l.String(), "sub", fmt.Sprintf("0x%02X", sub))
	}
}

func (e *Engine) debugInfo(l *link.Link) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	e.event(l, protocol.Event{
		Event:   protocol.EventVersion,
		Name:    e.identity.Name,
		Version: e.identity.Version,
		Memory:  strconv.FormatUint(ms.HeapAlloc, 10),
		Queue:   fmt.Sprintf("%d/%d", e.queue.Len(), e.queue.Cap()),
		Dropped: strconv.FormatUint(e.queue.Dropped(), 10),
	})
}

// loadChunk accepts one settings chunk: index, 32 data bytes and the chunk
// terminator. A rejected chunk leaves the image untouched. The last chunk
// commits the image to the store.
func (e *Engine) loadChunk(l *link.Link) {
	body, n, err := e.readBody(l, protocol.ChunkBody)
	if err != nil {
		e.malformed(l, protocol.OpSystem, err)
		return
	}
	idx := int(body[0])
	if n != protocol.ChunkBody || body[protocol.ChunkBody-1] != protocol.ChunkTerminator || idx >= settings.Chunks {
		e.malformed(l, protocol.OpSystem, fmt.Errorf("%w: chunk %d, read %d bytes", ErrMalformed, idx, n))
		e.event(l, protocol.ChunkEvent(idx, false))
		return
	}
	_ = e.image.SetChunk(idx, body[1:1+protocol.ChunkSize])
	e.event(l, protocol.ChunkEvent(idx, true))
	if idx != settings.Chunks-1 {
		return
	}
	ev := protocol.Event{Event: protocol.EventSettingsSave, Result: protocol.ResultSuccess}
	if err := e.store.Save(e.image); err != nil {
		metrics.IncError(metrics.ErrSettingsSave)
		e.logger.Error("settings_save_error", "error", err)
		ev.Result, ev.Error = protocol.ResultFailure, err.Error()
	} else {
		e.logger.Info("settings_saved")
	}
	e.event(l, ev)
}

func (e *Engine) restoreDefaults(l *link.Link) {
	e.image = settings.Defaults()
	ev := protocol.Event{Event: protocol.EventDefaults, Result: protocol.ResultSuccess}
	if err := e.store.Save(e.image); err != nil {
		metrics.IncError(metrics.ErrSettingsSave)
		e.logger.Error("settings_save_error", "error", err)
		ev.Result, ev.Error = protocol.ResultFailure, err.Error()
	}
	e.event(l, ev)
}

// channelDebug reports the state of the bus named by the byte following the
// sub-op.
func (e *Engine) channelDebug(l *link.Link) {
	body, n, err := e.readBody(l, 1)
	if err != nil || n < 1 || !can.ValidBus(int(body[0])) {
		e.malformed(l, protocol.OpSystem, fmt.Errorf("%w: channel debug", ErrMalformed))
		e.reply(l, []byte{protocol.ReplyError})
		return
	}
	bus := body[0]
	ev := protocol.Event{Event: protocol.EventBusDebug, Chunk: strconv.Itoa(int(bus))}
	if ch := e.channels[bus-1]; ch != nil {
		ev.Name = ch.Name()
		ev.Status = fmt.Sprintf("0x%02X", ch.Status())
		ev.Result = protocol.ResultSuccess
	} else {
		ev.Result = protocol.ResultFailure
	}
	e.event(l, ev)
}

func (e *Engine) enterUpdateMode(l *link.Link) {
	ev := protocol.Event{Event: protocol.EventUpdateMode, Result: protocol.ResultSuccess}
	if err := e.platform.EnterUpdateMode(); err != nil {
		metrics.IncError(metrics.ErrUpdateMode)
		e.logger.Error("update_mode_error", "error", err)
		ev.Result, ev.Error = protocol.ResultFailure, err.Error()
		e.event(l, ev)
		return
	}
	e.event(l, ev)
	e.updateMode = true
	e.logger.Warn("update_mode_entered", "link", l.String())
}
