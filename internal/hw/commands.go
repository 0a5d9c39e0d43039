package hw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// runFunc runs a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// shell runs command through bash -c with an optional timeout.
func shell(ctx context.Context, run runFunc, command string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := run(ctx, "bash", "-c", command)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// CommandRestarter restarts the host with a command, `sudo reboot` by default. If
// the command fails the process exits so the service manager restarts it.
type CommandRestarter struct {
	Command []string
	Logger  *slog.Logger

	run  runFunc
	exit func(code int)
}

// NewCommandRestarter returns a restarter running command, or `sudo reboot` when
// command is empty.
func NewCommandRestarter(command []string, logger *slog.Logger) *CommandRestarter {
	if len(command) == 0 {
		command = []string{"sudo", "reboot"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRestarter{Command: command, Logger: logger, run: execRun, exit: os.Exit}
}

func (r *CommandRestarter) Restart(ctx context.Context, reason string) error {
	r.Logger.Warn("restarting device", "reason", reason, "command", strings.Join(r.Command, " "))
	out, err := r.run(ctx, r.Command[0], r.Command[1:]...)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("restart command: %w", err)
	r.Logger.Error("restart command failed, exiting", "error", err, "output", strings.TrimSpace(string(out)))
	r.exit(1)
	return err
}

// CommandProvisioner joins a network by running a shell command, for example a
// captive-portal tool that blocks until credentials are entered. An empty command
// assumes the host is already online.
type CommandProvisioner struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger

	run runFunc
}

func NewCommandProvisioner(command string, timeout time.Duration, logger *slog.Logger) *CommandProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProvisioner{Command: command, Timeout: timeout, Logger: logger, run: execRun}
}

// Connect blocks until the command returns.
func (p *CommandProvisioner) Connect(ctx context.Context) error {
	if p.Command == "" {
		return nil
	}
	p.Logger.Info("provisioning network", "command", p.Command)
	if err := shell(ctx, p.run, p.Command, p.Timeout); err != nil {
		return fmt.Errorf("provision network: %w", err)
	}
	return nil
}

// CommandTimeSync sets the clock by running a shell command such as
// `chronyc -a makestep`.
type CommandTimeSync struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger

	run runFunc
}

func NewCommandTimeSync(command string, timeout time.Duration, logger *slog.Logger) *CommandTimeSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandTimeSync{Command: command, Timeout: timeout, Logger: logger, run: execRun}
}

var errNoCommand = errors.New("no time sync command configured")

func (s *CommandTimeSync) Sync(ctx context.Context) error {
	if s.Command == "" {
		return errNoCommand
	}
	if err := shell(ctx, s.run, s.Command, s.Timeout); err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	s.Logger.Info("time synced", "now", time.Now().UTC().Format(time.RFC3339))
	return nil
}
