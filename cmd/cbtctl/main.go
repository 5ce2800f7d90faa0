// Command cbtctl talks to a gateway over its wired or wireless link: inject
// frames, configure logging and filters, move the settings image and watch
// the frame log.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/kstaniek/go-cbt-gateway/internal/can"
	"github.com/kstaniek/go-cbt-gateway/internal/client"
	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/kstaniek/go-cbt-gateway/internal/protocol"
	"github.com/kstaniek/go-cbt-gateway/internal/serial"
	"github.com/kstaniek/go-cbt-gateway/internal/settings"
)

// Set via -ldflags at build time.
var version = "dev"

type options struct {
	port     string
	baud     int
	timeout  time.Duration
	retries  int
	logLevel string
}

// openPort is a hook for tests.
var openPort = func(o *options) (io.ReadWriteCloser, error) {
	return serial.Open(o.port, o.baud, o.timeout)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cbtctl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "cbtctl",
		Short:         "Control a CAN gateway over its serial command protocol",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}
			logging.Set(logging.New("text", lvl, os.Stderr).With("app", "cbtctl"))
			return nil
		},
	}
	root.SetOut(out)
	addGlobalFlags(root.PersistentFlags(), o)

	root.AddCommand(
		sendCmd(o),
		logCmd(o),
		wirelessFilterCmd(o),
		wirelessCmd(o),
		debugCmd(o),
		channelCmd(o),
		settingsCmd(o),
		updateCmd(o),
		monitorCmd(o),
	)
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.port, "port", "p", envOr("CBT_PORT", "/dev/ttyACM0"), "Serial device of the gateway link")
	fs.IntVarP(&o.baud, "baud", "b", 115200, "Baud rate")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Second, "Read timeout for replies")
	fs.IntVar(&o.retries, "retries", client.DefaultRetries, "Attempts per settings chunk")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// withClient opens the port, runs fn and closes the port.
func withClient(o *options, fn func(*client.Client) error) error {
	p, err := openPort(o)
	if err != nil {
		return fmt.Errorf("open %s: %w", o.port, err)
	}
	defer p.Close()
	return fn(client.New(p, client.WithRetries(o.retries), client.WithLogger(logging.L())))
}

func sendCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <bus> <id> [data]",
		Short: "Inject a frame onto a bus (id and data in hex)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fr, err := parseFrame(args)
			if err != nil {
				return err
			}
			return withClient(o, func(c *client.Client) error { return c.SendFrame(fr) })
		},
	}
}

func logCmd(o *options) *cobra.Command {
	var lo, hi string
	cmd := &cobra.Command{
		Use:   "log <bus> on|off",
		Short: "Enable or disable frame logging of a bus on this link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := parseBus(args[0])
			if err != nil {
				return err
			}
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			var f *[2]uint16
			if cmd.Flags().Changed("lo") || cmd.Flags().Changed("hi") {
				r, err := parseRange(lo, hi)
				if err != nil {
					return err
				}
				f = &r
			}
			return withClient(o, func(c *client.Client) error { return c.SetLogging(bus, on, f) })
		},
	}
	cmd.Flags().StringVar(&lo, "lo", "0", "Lowest id logged (hex)")
	cmd.Flags().StringVar(&hi, "hi", "0", "Highest id logged (hex); lo=hi=0 clears the filter")
	return cmd
}

func wirelessFilterCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wfilter <bus> <lo> <hi>",
		Short: "Set the id range logged on the wireless link (0 0 disables)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := parseBus(args[0])
			if err != nil {
				return err
			}
			r, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			return withClient(o, func(c *client.Client) error { return c.SetWirelessFilter(bus, r[0], r[1]) })
		},
	}
}

var wirelessOps = map[string]byte{
	"reset":           protocol.WirelessReset,
	"passthrough-on":  protocol.WirelessPassthroughOn,
	"passthrough-off": protocol.WirelessPassthroughOff,
}

func wirelessCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "wireless reset|passthrough-on|passthrough-off",
		Short:     "Control the wireless module",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reset", "passthrough-on", "passthrough-off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, ok := wirelessOps[args[0]]
			if !ok {
				return fmt.Errorf("unknown wireless operation %q", args[0])
			}
			return withClient(o, func(c *client.Client) error { return c.Wireless(sub) })
		},
	}
}

func debugCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Print gateway version and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(o, func(c *client.Client) error {
				ev, err := c.Debug()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s memory=%s queue=%s dropped=%s\n", ev.Name, ev.Version, ev.Memory, ev.Queue, ev.Dropped)
				return nil
			})
		},
	}
}

func channelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "channel <bus>",
		Short: "Print the controller status of a bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := parseBus(args[0])
			if err != nil {
				return err
			}
			return withClient(o, func(c *client.Client) error {
				ev, err := c.ChannelDebug(bus)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bus %d %s status=%s\n", bus, ev.Name, ev.Status)
				return nil
			})
		},
	}
}

func settingsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read, write or reset the settings image"}
	var outFile string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Read the settings image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(o, func(c *client.Client) error {
				im, err := c.DumpSettings()
				if err != nil {
					return err
				}
				if outFile != "" {
					return os.WriteFile(outFile, im[:], 0o644)
				}
				fmt.Fprintln(cmd.OutOrStdout(), im.Hex())
				return nil
			})
		},
	}
	dump.Flags().StringVarP(&outFile, "out", "o", "", "Write the raw image to a file instead of printing hex")
	push := &cobra.Command{
		Use:   "push <file>",
		Short: "Write a raw settings image to the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			im, err := settings.FromBytes(b)
			if err != nil {
				return err
			}
			return withClient(o, func(c *client.Client) error { return c.PushSettings(im) })
		},
	}
	defaults := &cobra.Command{
		Use:   "defaults",
		Short: "Restore the first-boot settings image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(o, func(c *client.Client) error { return c.RestoreDefaults() })
		},
	}
	cmd.AddCommand(dump, push, defaults)
	return cmd
}

func updateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Put the gateway into firmware update mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(o, func(c *client.Client) error { return c.EnterUpdateMode() })
		},
	}
}

func monitorCmd(o *options) *cobra.Command {
	var buses []int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print frame-log records until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withClient(o, func(c *client.Client) error {
				for _, b := range buses {
					if !can.ValidBus(b) {
						return fmt.Errorf("bus must be 1..%d, got %d", can.NumBuses, b)
					}
					if err := c.SetLogging(uint8(b), true, nil); err != nil {
						return fmt.Errorf("enable bus %d: %w", b, err)
					}
				}
				return monitor(ctx, c, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntSliceVar(&buses, "bus", nil, "Enable logging of these buses first")
	return cmd
}

// monitor prints records until ctx is done; read timeouts are retried.
func monitor(ctx context.Context, c *client.Client, out io.Writer) error {
	for ctx.Err() == nil {
		fr, err := c.ReadFrameLog()
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
		fmt.Fprintln(out, formatFrame(fr))
	}
	return nil
}
