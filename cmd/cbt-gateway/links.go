package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-cbt-gateway/internal/link"
	"github.com/kstaniek/go-cbt-gateway/internal/serial"
)

// txQueueSize is the number of pending writes per serial link.
const txQueueSize = 256

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initLinks opens the wired link and, when configured, the wireless module,
// and starts a pump per port. Without a wireless device the wireless link has
// no output and never receives input.
func initLinks(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*link.Pair, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	open := func(id link.ID, dev string, baud int, opts ...link.Option) (*link.Link, error) {
		sp, err := openSerialPort(dev, baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open %s link %s: %w", id, dev, err)
		}
		w := serial.NewTXWriter(ctx, id.String(), sp, txQueueSize)
		closers = append(closers, func() { _ = sp.Close(); w.Close() })
		lk := link.New(id, w.Send, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serial.Pump(ctx, sp, lk, l)
		}()
		l.Info("serial_open", "link", id.String(), "device", dev, "baud", baud)
		return lk, nil
	}

	wired, err := open(link.Wired, cfg.wiredDev, cfg.baud, link.WithControl())
	if err != nil {
		return nil, func() {}, err
	}
	wireless := link.New(link.Wireless, nil)
	if cfg.wirelessDev != "" {
		if wireless, err = open(link.Wireless, cfg.wirelessDev, cfg.wirelessBaud); err != nil {
			cleanup()
			return nil, func() {}, err
		}
	}
	return link.NewPair(wired, wireless), cleanup, nil
}
