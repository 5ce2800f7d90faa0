// Package controller runs the single cooperative control loop that owns all
// mutable gateway state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/command"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/middleware"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
	"github.com/kstaniek/go-cbt-gateway/internal/transport"
)

// ErrUpdateMode is returned by Run after the device was handed to its updater.
var ErrUpdateMode = errors.New("update mode requested")

// DefaultInterval is the idle poll period.
const DefaultInterval = time.Millisecond

// Loop drives the middleware chain, the command engine and the dispatch
// queue. Link state, filters, translator state and the settings image are
// only touched from the goroutine running Step.
type Loop struct {
	chain    *middleware.Chain
	engine   *command.Engine
	queue    *queue.Queue
	tx       [can.NumBuses]transport.FrameSink
	interval time.Duration
	reload   chan settings.Image
	logger   *slog.Logger
}

type Option func(*Loop)

// WithTransmitter routes dispatched frames of bus (1..3) to s.
func WithTransmitter(bus uint8, s transport.FrameSink) Option {
	return func(l *Loop) {
		if can.ValidBus(int(bus)) {
			l.tx[bus-1] = s
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func New(chain *middleware.Chain, engine *command.Engine, q *queue.Queue, opts ...Option) *Loop {
	l := &Loop{
		chain:    chain,
		engine:   engine,
		queue:    q,
		interval: DefaultInterval,
		reload:   make(chan settings.Image, 1),
		logger:   logging.Component("controller"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reload schedules im to replace the engine's settings image on the next
// step. It never blocks; a pending reload is superseded.
func (l *Loop) Reload(im settings.Image) {
	for {
		select {
		case l.reload <- im:
			return
		default:
		}
		select {
		case <-l.reload:
		default:
		}
	}
}

// Step runs one iteration: middleware ticks, command handling (or the
// passthrough relay), then at most one queued frame through the chain.
// It reports whether any work was done.
func (l *Loop) Step() bool {
	l.chain.Tick()
	select {
	case im := <-l.reload:
		l.engine.SetImage(im)
		l.logger.Info("settings_reloaded")
	default:
	}
	worked := l.engine.Poll()
	if fr, ok := l.queue.Pop(); ok {
		fr = l.chain.Process(fr)
		if fr.Dispatch {
			l.dispatch(fr)
		}
		worked = true
	}
	return worked
}

func (l *Loop) dispatch(fr can.Frame) {
	if !can.ValidBus(int(fr.BusID)) {
		metrics.IncError(metrics.ErrUnknownBus)
		l.logger.Warn("dispatch_unknown_bus", "bus", fr.BusID)
		return
	}
	tx := l.tx[fr.BusID-1]
	if tx == nil {
		l.logger.Debug("dispatch_no_transmitter", "bus", fr.BusID)
		return
	}
	if err := tx.SendFrame(fr); err != nil {
		l.logger.Debug("dispatch_error", "bus", fr.BusID, "id", fmt.Sprintf("0x%03X", fr.ID), "error", err)
	}
}

// Run steps until ctx is done or the engine entered update mode. Steps run
// back to back while there is work and at Interval when idle.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	l.logger.Info("control_loop_start", "middleware", l.chain.Names(), "interval", l.interval)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		worked := l.Step()
		if l.engine.UpdateMode() {
			return ErrUpdateMode
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
