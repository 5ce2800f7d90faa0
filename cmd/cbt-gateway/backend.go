package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-cbt-gateway/internal/bus"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/socketcan"
)

// openSocketCAN is a hook for tests (overridden in unit tests).
var openSocketCAN = func(iface string) (bus.Bus, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// channel is one opened CAN bus with its RX loop running.
type channel struct {
	id    uint8
	iface string
	dev   bus.Bus
	tx    *bus.TXWriter
}

// initBuses opens the configured channels, starts an ingest loop for each and
// returns them with a cleanup that closes devices and writers. A failure
// closes whatever was already opened.
func initBuses(ctx context.Context, cfg *appConfig, q *queue.Queue, l *slog.Logger, wg *sync.WaitGroup) ([]channel, func(), error) {
	var chans []channel
	cleanup := func() {
		for _, ch := range chans {
			_ = ch.dev.Close()
			ch.tx.Close()
		}
	}
	for i, iface := range cfg.interfaces() {
		if iface == "" {
			continue
		}
		id := uint8(i + 1)
		dev, err := openBus(cfg.backend, iface)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("bus %d (%s): %w", id, iface, err)
		}
		ch := channel{id: id, iface: iface, dev: dev, tx: bus.NewTXWriter(ctx, id, dev, bus.TxQueueSize)}
		chans = append(chans, ch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Ingest(ctx, id, dev, q, l)
		}()
		l.Info("bus_open", "bus", bus.Name(id), "backend", cfg.backend, "if", iface)
	}
	if len(chans) == 0 {
		l.Warn("no_buses_configured")
	}
	return chans, cleanup, nil
}

func openBus(backend, iface string) (bus.Bus, error) {
	switch backend {
	case "socketcan":
		return openSocketCAN(iface)
	case "virtual":
		return bus.NewVirtual(bus.TxQueueSize), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|virtual)", backend)
	}
}
