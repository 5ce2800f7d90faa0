package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"bus_rx", snap.BusRx,
					"bus_tx", snap.BusTx,
					"queue_depth", snap.QueueDepth,
					"queue_drops", snap.QueueDrops,
					"processed", snap.Processed,
					"commands", snap.Commands,
					"malformed", snap.Malformed,
					"link_rx", snap.LinkRx,
					"link_tx", snap.LinkTx,
					"logged", snap.Logged,
					"vehicle", snap.Vehicle,
					"mirror_clients", snap.MirrorClient,
					"mirror_drops", snap.MirrorDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
