// Package bootgate decides, once per power-on and before any networking, whether
// stored network credentials survive this boot.
//
// Two resets in quick succession are the operator's way of asking for the
// credentials to be discarded: the first boot arms a marker, and if the device is
// reset again before the runtime clears it, the next boot finds the marker and
// wipes. A boot that follows a successful update is exempt exactly once.
package bootgate

import (
	"context"
	"log/slog"
	"time"
)

// State is the outcome of the gate.
type State uint8

const (
	Booting State = iota
	// Bypass: first boot after an update; credentials kept, markers cleared.
	Bypass
	// Wipe: double reset detected; credentials deleted and the device restarted.
	Wipe
	// Arm: credentials exist; the boot marker is written for the next boot.
	Arm
	// Setup: no credentials; provisioning will run.
	Setup
)

func (s State) String() string {
	switch s {
	case Bypass:
		return "BYPASS"
	case Wipe:
		return "WIPE"
	case Arm:
		return "ARM"
	case Setup:
		return "SETUP"
	default:
		return "BOOTING"
	}
}

// Proceeds reports whether the boot continues to network connect.
func (s State) Proceeds() bool { return s != Wipe && s != Booting }

// Markers is the slice of the persistent store the gate works on.
type Markers interface {
	HasBypassMarker() bool
	ClearBypassMarker() error
	HasBootMarker() bool
	SetBootMarker() error
	ClearBootMarker() error
	HasCredentials() bool
	DeleteCredentials() error
}

// Blinker shows the operator the wipe was accepted.
type Blinker interface {
	Blink(ctx context.Context, count int, interval time.Duration) error
}

// Restarter restarts the device.
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// Config tunes the wipe feedback.
type Config struct {
	BlinkCount    int
	BlinkInterval time.Duration
}

// Gate is the safe-mode boot gate.
type Gate struct {
	markers   Markers
	led       Blinker
	restarter Restarter
	cfg       Config
	log       *slog.Logger
}

// New creates a Gate. led may be nil when the board has no LED.
func New(markers Markers, led Blinker, restarter Restarter, cfg Config, logger *slog.Logger) *Gate {
	if cfg.BlinkCount <= 0 {
		cfg.BlinkCount = 15
	}
	if cfg.BlinkInterval <= 0 {
		cfg.BlinkInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{markers: markers, led: led, restarter: restarter, cfg: cfg, log: logger}
}

// Run evaluates the markers and performs the side effects of the chosen state.
// It never fails: file errors are logged and swallowed, because a crash here would
// re-enter WIPE on the next boot.
func (g *Gate) Run(ctx context.Context) State {
	switch {
	case g.markers.HasBypassMarker():
		g.log.Info("post-update boot, keeping credentials")
		g.warn(g.markers.ClearBypassMarker(), "clear bypass marker")
		if g.markers.HasBootMarker() {
			g.warn(g.markers.ClearBootMarker(), "clear boot marker")
		}
		return Bypass

	case g.markers.HasBootMarker():
		g.log.Warn("double reset detected, wiping credentials")
		if g.led != nil {
			g.warn(g.led.Blink(ctx, g.cfg.BlinkCount, g.cfg.BlinkInterval), "blink feedback")
		}
		g.warn(g.markers.DeleteCredentials(), "delete credentials")
		g.warn(g.markers.ClearBootMarker(), "clear boot marker")
		g.warn(g.restarter.Restart(ctx, "double reset"), "restart")
		return Wipe

	case g.markers.HasCredentials():
		g.log.Info("arming reset marker")
		g.warn(g.markers.SetBootMarker(), "set boot marker")
		return Arm

	default:
		g.log.Info("no credentials found, setup mode")
		return Setup
	}
}

func (g *Gate) warn(err error, op string) {
	if err != nil {
		g.log.Warn("boot gate step failed", "op", op, "error", err)
	}
}
