package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/bus"
	"github.com/kstaniek/go-cbt-gateway/internal/command"
	"github.com/kstaniek/go-cbt-gateway/internal/controller"
	"github.com/kstaniek/go-cbt-gateway/internal/hub"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/metrics"
	"github.com/kstaniek/go-cbt-gateway/internal/middleware"
	"github.com/kstaniek/go-cbt-gateway/internal/mirror"
	"github.com/kstaniek/go-cbt-gateway/internal/queue"
	"github.com/kstaniek/go-cbt-gateway/internal/server"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
	"github.com/kstaniek/go-cbt-gateway/internal/vehicle"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitUpdateMode = 3
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cbt-gateway: %v\n", err)
		return exitUsage
	}
	if showVersion {
		fmt.Printf("cbt-gateway %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	g, err := build(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("init_error", "error", err)
		cancel()
		wg.Wait()
		return exitFailure
	}
	defer g.close()

	var running atomic.Bool
	metrics.SetReadinessFunc(func() bool { return running.Load() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	running.Store(true)
	err = g.loop.Run(ctx)
	running.Store(false)
	code := exitOK
	switch {
	case errors.Is(err, controller.ErrUpdateMode):
		l.Warn("update_mode_exit")
		code = exitUpdateMode
	case err != nil:
		l.Error("loop_error", "error", err)
		code = exitFailure
	default:
		l.Info("shutdown_signal")
	}
	cancel()
	g.shutdown()
	wg.Wait()
	return code
}

// gateway is the assembled process.
type gateway struct {
	loop    *controller.Loop
	srv     *server.Server
	closers []func()
	logger  *slog.Logger
}

func (g *gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

func (g *gateway) shutdown() {
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := g.srv.Shutdown(ctx); err != nil {
			g.logger.Warn("mirror_shutdown_error", "error", err)
		}
		cancel()
	}
	g.close()
}

// build opens links and buses and assembles the control loop with its
// middleware chain, the settings watcher and the optional mirror server.
func build(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*gateway, error) {
	g := &gateway{logger: l}

	store := settings.NewFileStore(cfg.settingsPath)
	im, err := store.Load()
	if err != nil {
		metrics.IncError(metrics.ErrSettingsLoad)
		l.Warn("settings_load_error", "path", store.Path(), "error", err, "used", "defaults")
	}

	q := queue.New(cfg.queueSize)
	pair, closeLinks, err := initLinks(ctx, cfg, l, wg)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, closeLinks)
	if cfg.file != nil {
		if err := cfg.file.apply(pair); err != nil {
			g.close()
			return nil, err
		}
	}

	chans, closeBuses, err := initBuses(ctx, cfg, q, l, wg)
	if err != nil {
		g.close()
		return nil, err
	}
	g.closers = append(g.closers, closeBuses)

	engineOpts := []command.Option{
		command.WithSettings(store, im),
		command.WithPlatform(&execPlatform{updateCmd: cfg.updateCmd, resetCmd: cfg.resetCmd, logger: logging.Component("platform")}),
		command.WithIdentity(command.Identity{Name: "cbt-gateway", Version: version}),
		command.WithBodyTimeout(cfg.bodyTimeout),
		command.WithLogger(logging.Component("command")),
	}
	loopOpts := []controller.Option{
		controller.WithInterval(cfg.loopInterval),
		controller.WithLogger(logging.Component("controller")),
	}
	for _, ch := range chans {
		engineOpts = append(engineOpts, command.WithChannel(ch.id, bus.Channel{ID: ch.id, Bus: ch.dev}))
		loopOpts = append(loopOpts, controller.WithTransmitter(ch.id, ch.tx))
	}
	engine := command.New(pair, q, engineOpts...)

	members := []middleware.Middleware{command.NewFrameLogger(pair)}
	if cfg.vehicle {
		members = append(members, vehicle.New(pair, vehicle.WithLogger(logging.Component("vehicle"))))
	}
	var h *hub.Hub
	if cfg.mirrorListen != "" {
		h = initHub(cfg, l)
		members = append(members, mirror.NewTap(h, uint8(cfg.mirrorBus)))
	}
	chain := middleware.NewChain(members...)
	l.Info("middleware_chain", "members", chain.Names())
	g.loop = controller.New(chain, engine, q, loopOpts...)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := store.Watch(ctx, g.loop.Reload); err != nil && ctx.Err() == nil {
			l.Warn("settings_watch_error", "error", err)
		}
	}()

	if h != nil {
		g.srv = startMirror(ctx, cfg, h, q, l)
	}
	return g, nil
}

// startMirror serves the cannelloni mirror and advertises it once bound.
func startMirror(ctx context.Context, cfg *appConfig, h *hub.Hub, q *queue.Queue, l *slog.Logger) *server.Server {
	inj := mirror.Injector{Bus: uint8(cfg.injectBus), Queue: q}
	srv := server.New(
		server.WithListenAddr(cfg.mirrorListen),
		server.WithHub(h),
		server.WithSend(inj.Send),
		server.WithFrameFilter(inj.Filter),
		server.WithLogger(logging.Component("mirror")),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("mirror_server_error", "error", err)
		}
	}()
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		stop, err := startMDNS(ctx, cfg, srv.Addr())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "addr", srv.Addr())
		}
		<-ctx.Done()
		stop()
	}()
	return srv
}
