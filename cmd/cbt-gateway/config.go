package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/hub"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
)

type appConfig struct {
	wiredDev        string
	wirelessDev     string
	baud            int
	wirelessBaud    int
	serialReadTO    time.Duration
	backend         string
	canIfs          string
	queueSize       int
	loopInterval    time.Duration
	bodyTimeout     time.Duration
	settingsPath    string
	configFile      string
	vehicle         bool
	updateCmd       string
	resetCmd        string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mirrorListen    string
	mirrorBus       int
	injectBus       int
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	// file holds the optional TOML configuration (initial link state).
	file *fileConfig
}

func defaultConfig() *appConfig {
	return &appConfig{
		wiredDev:     "/dev/ttyGS0",
		baud:         115200,
		wirelessBaud: 115200,
		serialReadTO: 20 * time.Millisecond,
		backend:      "socketcan",
		canIfs:       "can0,can1,can2",
		queueSize:    256,
		loopInterval: time.Millisecond,
		bodyTimeout:  20 * time.Millisecond,
		settingsPath: "/var/lib/cbt-gateway/settings.bin",
		vehicle:      true,
		logFormat:    "text",
		logLevel:     "info",
		mirrorListen: ":20000",
		injectBus:    1,
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

func parseFlags(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("cbt-gateway", flag.ContinueOnError)
	fs.StringVar(&cfg.wiredDev, "wired", cfg.wiredDev, "Wired link serial device")
	fs.StringVar(&cfg.wirelessDev, "wireless", cfg.wirelessDev, "Wireless module serial device (empty disables)")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Wired link baud rate")
	fs.IntVar(&cfg.wirelessBaud, "wireless-baud", cfg.wirelessBaud, "Wireless module baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN backend: socketcan|virtual")
	fs.StringVar(&cfg.canIfs, "can-if", cfg.canIfs, "Comma separated SocketCAN interfaces for buses 1..3 (empty entry skips a bus)")
	fs.IntVar(&cfg.queueSize, "queue-size", cfg.queueSize, "Dispatch queue capacity (frames)")
	fs.DurationVar(&cfg.loopInterval, "loop-interval", cfg.loopInterval, "Control loop idle interval")
	fs.DurationVar(&cfg.bodyTimeout, "body-timeout", cfg.bodyTimeout, "Maximum wait for the body of a command")
	fs.StringVar(&cfg.settingsPath, "settings", cfg.settingsPath, "Settings image file")
	fs.StringVar(&cfg.configFile, "config", "", "Optional TOML file with initial log masks and filters")
	fs.BoolVar(&cfg.vehicle, "vehicle", cfg.vehicle, "Translate vehicle state for the wireless link")
	fs.StringVar(&cfg.updateCmd, "update-cmd", "", "Command run to enter firmware update mode (empty: unsupported)")
	fs.StringVar(&cfg.resetCmd, "wireless-reset-cmd", "", "Command run to reset the wireless module")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.mirrorListen, "mirror-listen", cfg.mirrorListen, "Cannelloni mirror TCP listen address (empty disables)")
	fs.IntVar(&cfg.mirrorBus, "mirror-bus", 0, "Mirror only this bus (0 = all)")
	fs.IntVar(&cfg.injectBus, "inject-bus", cfg.injectBus, "Bus receiving frames sent by mirror clients")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client mirror buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous mirror clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Mirror client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Mirror per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the mirror listener via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default cbt-gateway-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Flags given on the command line take precedence over the environment.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if cfg.configFile != "" {
		fc, err := loadFileConfig(cfg.configFile)
		if err != nil {
			return nil, false, err
		}
		cfg.file = fc
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate checks values and ranges only; devices and listeners are not
// touched.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "virtual":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.wiredDev == "" {
		return errors.New("wired device is required")
	}
	if len(c.interfaces()) > can.NumBuses {
		return fmt.Errorf("can-if names more than %d buses", can.NumBuses)
	}
	if c.mirrorBus != 0 && !can.ValidBus(c.mirrorBus) {
		return fmt.Errorf("mirror-bus must be 0 or 1..%d (got %d)", can.NumBuses, c.mirrorBus)
	}
	if !can.ValidBus(c.injectBus) {
		return fmt.Errorf("inject-bus must be 1..%d (got %d)", can.NumBuses, c.injectBus)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.baud <= 0 || c.wirelessBaud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d/%d)", c.baud, c.wirelessBaud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.loopInterval <= 0 {
		return errors.New("loop-interval must be > 0")
	}
	if c.bodyTimeout < 0 {
		return errors.New("body-timeout must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.file != nil {
		if err := c.file.validate(); err != nil {
			return err
		}
	}
	return nil
}

// interfaces splits can-if into per-bus interface names; index i is bus i+1.
func (c *appConfig) interfaces() []string {
	if strings.TrimSpace(c.canIfs) == "" {
		return nil
	}
	parts := strings.Split(c.canIfs, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// envBinding ties a CBT_* variable to the flag it overrides.
type envBinding struct {
	flag  string
	env   string
	apply func(*appConfig, string) error
}

func str(set func(*appConfig, string)) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { set(c, v); return nil }
}

func num(floor int, set func(*appConfig, int)) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < floor {
			return fmt.Errorf("%d below minimum %d", n, floor)
		}
		set(c, n)
		return nil
	}
}

func dur(set func(*appConfig, time.Duration)) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %s", v)
		}
		set(c, d)
		return nil
	}
}

func boolean(set func(*appConfig, bool)) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			set(c, true)
		case "0", "false", "no", "off":
			set(c, false)
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

var envBindings = []envBinding{
	{"wired", "CBT_WIRED", str(func(c *appConfig, v string) { c.wiredDev = v })},
	{"wireless", "CBT_WIRELESS", str(func(c *appConfig, v string) { c.wirelessDev = v })},
	{"baud", "CBT_BAUD", num(1, func(c *appConfig, n int) { c.baud = n })},
	{"wireless-baud", "CBT_WIRELESS_BAUD", num(1, func(c *appConfig, n int) { c.wirelessBaud = n })},
	{"serial-read-timeout", "CBT_SERIAL_READ_TIMEOUT", dur(func(c *appConfig, d time.Duration) { c.serialReadTO = d })},
	{"backend", "CBT_BACKEND", str(func(c *appConfig, v string) { c.backend = v })},
	{"can-if", "CBT_CAN_IF", str(func(c *appConfig, v string) { c.canIfs = v })},
	{"queue-size", "CBT_QUEUE_SIZE", num(1, func(c *appConfig, n int) { c.queueSize = n })},
	{"body-timeout", "CBT_BODY_TIMEOUT", dur(func(c *appConfig, d time.Duration) { c.bodyTimeout = d })},
	{"settings", "CBT_SETTINGS", str(func(c *appConfig, v string) { c.settingsPath = v })},
	{"config", "CBT_CONFIG", str(func(c *appConfig, v string) { c.configFile = v })},
	{"vehicle", "CBT_VEHICLE", boolean(func(c *appConfig, b bool) { c.vehicle = b })},
	{"update-cmd", "CBT_UPDATE_CMD", str(func(c *appConfig, v string) { c.updateCmd = v })},
	{"wireless-reset-cmd", "CBT_WIRELESS_RESET_CMD", str(func(c *appConfig, v string) { c.resetCmd = v })},
	{"log-format", "CBT_LOG_FORMAT", str(func(c *appConfig, v string) { c.logFormat = v })},
	{"log-level", "CBT_LOG_LEVEL", str(func(c *appConfig, v string) { c.logLevel = v })},
	{"metrics-addr", "CBT_METRICS", str(func(c *appConfig, v string) { c.metricsAddr = v })},
	{"log-metrics-interval", "CBT_LOG_METRICS_INTERVAL", dur(func(c *appConfig, d time.Duration) { c.logMetricsEvery = d })},
	{"mirror-listen", "CBT_MIRROR_LISTEN", str(func(c *appConfig, v string) { c.mirrorListen = v })},
	{"mirror-bus", "CBT_MIRROR_BUS", num(0, func(c *appConfig, n int) { c.mirrorBus = n })},
	{"inject-bus", "CBT_INJECT_BUS", num(1, func(c *appConfig, n int) { c.injectBus = n })},
	{"hub-buffer", "CBT_HUB_BUFFER", num(1, func(c *appConfig, n int) { c.hubBuffer = n })},
	{"hub-policy", "CBT_HUB_POLICY", str(func(c *appConfig, v string) { c.hubPolicy = v })},
	{"max-clients", "CBT_MAX_CLIENTS", num(0, func(c *appConfig, n int) { c.maxClients = n })},
	{"handshake-timeout", "CBT_HANDSHAKE_TIMEOUT", dur(func(c *appConfig, d time.Duration) { c.handshakeTO = d })},
	{"client-read-timeout", "CBT_CLIENT_READ_TIMEOUT", dur(func(c *appConfig, d time.Duration) { c.clientReadTO = d })},
	{"mdns-enable", "CBT_MDNS_ENABLE", boolean(func(c *appConfig, b bool) { c.mdnsEnable = b })},
	{"mdns-name", "CBT_MDNS_NAME", str(func(c *appConfig, v string) { c.mdnsName = v })},
}

// applyEnvOverrides maps CBT_* environment variables onto c unless the
// corresponding flag was set explicitly. Empty values are ignored except for
// CBT_METRICS, CBT_WIRELESS and CBT_MIRROR_LISTEN where empty disables. The
// first parse error is returned after all bindings are applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, b := range envBindings {
		if _, ok := set[b.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(b.env)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" && !emptyAllowed(b.env) {
			continue
		}
		if err := b.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", b.env, err)
		}
	}
	return firstErr
}

func emptyAllowed(env string) bool {
	switch env {
	case "CBT_METRICS", "CBT_WIRELESS", "CBT_MIRROR_LISTEN":
		return true
	}
	return false
}
