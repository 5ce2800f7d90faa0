package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// platformTimeout bounds a platform hook command.
const platformTimeout = 5 * time.Second

// execCommand is a hook for tests.
var execCommand = func(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// execPlatform runs configured host commands for the device capabilities the
// command engine may invoke.
type execPlatform struct {
	updateCmd string
	resetCmd  string
	logger    *slog.Logger
}

// EnterUpdateMode runs the update command. Without one the capability is
// unsupported and the engine reports a failure event.
func (p *execPlatform) EnterUpdateMode() error {
	if p.updateCmd == "" {
		return errors.ErrUnsupported
	}
	return p.run("update", p.updateCmd)
}

// ResetWireless runs the reset command; without one it is a no-op.
func (p *execPlatform) ResetWireless() error {
	if p.resetCmd == "" {
		return nil
	}
	return p.run("wireless_reset", p.resetCmd)
}

func (p *execPlatform) run(name, cmd string) error {
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return fmt.Errorf("%s: empty command", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), platformTimeout)
	defer cancel()
	out, err := execCommand(ctx, argv)
	if err != nil {
		p.logger.Warn("platform_cmd_failed", "hook", name, "error", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("%s: %w", name, err)
	}
	p.logger.Info("platform_cmd_done", "hook", name)
	return nil
}
