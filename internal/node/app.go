// Package node runs the whole life of the device: boot gate, provisioning, time
// sync, config load, startup update check, calibration and the steady-state
// scheduler.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/r0bb10/ornament-node/internal/bootgate"
	"github.com/r0bb10/ornament-node/internal/connectivity"
	"github.com/r0bb10/ornament-node/internal/dispatch"
	"github.com/r0bb10/ornament-node/internal/journal"
	"github.com/r0bb10/ornament-node/internal/ota"
	"github.com/r0bb10/ornament-node/internal/settings"
	"github.com/r0bb10/ornament-node/internal/store"
)

// ErrWiped is returned by Run after the boot gate wiped the credentials and
// restarted the device.
var ErrWiped = errors.New("credentials wiped, restart initiated")

// App is the node application.
type App struct {
	settings *settings.Settings
	deps     Deps
	log      *slog.Logger
}

// New creates an App. Nil fields of deps are built from s.
func New(s *settings.Settings, deps Deps, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	deps.fill(s, logger)
	return &App{settings: s, deps: deps, log: logger}
}

// Main runs the node and turns every unexpected ending into a delayed restart.
// It returns nil on a clean shutdown or when a restart is already under way.
func (a *App) Main(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			a.fatal(ctx, err)
		}
	}()

	err = a.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		a.log.Info("shutdown complete")
		return nil
	case errors.Is(err, dispatch.ErrRebootPending), errors.Is(err, ErrWiped):
		return nil
	}
	a.fatal(ctx, err)
	return err
}

func (a *App) fatal(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	a.log.Error("fatal error, restarting", "error", err, "delay", a.settings.FatalDelay)
	_ = a.deps.Clock.Sleep(ctx, a.settings.FatalDelay)
	if rerr := a.deps.Restarter.Restart(ctx, "fatal error"); rerr != nil {
		a.log.Error("restart failed", "error", rerr)
	}
}

// Run performs the boot sequence and then runs the scheduler until ctx is done,
// an update initiates a reboot, or a step fails fatally.
func (a *App) Run(ctx context.Context) error {
	s := a.settings

	st, err := store.Open(store.Options{
		Dir:             s.DataDir,
		Key:             a.deps.Key,
		CredentialsFile: s.CredentialsFile,
		PlainConfigFile: s.ConfigFile,
		Logger:          a.log,
	})
	if err != nil {
		return err
	}

	hwr, err := a.deps.OpenHardware()
	if err != nil {
		// Keep going without GPIO; the bus side still works.
		a.log.Error("hardware unavailable, running without touch and led", "error", err)
		hwr = NullHardware()
	}
	defer func() {
		if err := hwr.Close(); err != nil {
			a.log.Warn("close hardware", "error", err)
		}
	}()

	gate := bootgate.New(st, hwr.LED, a.deps.Restarter, bootgate.Config{
		BlinkCount:    s.BlinkCount,
		BlinkInterval: s.BlinkInterval,
	}, a.log)
	state := gate.Run(ctx)
	a.log.Info("boot gate", "state", state.String())
	if !state.Proceeds() {
		return ErrWiped
	}

	if err := a.deps.Provisioner.Connect(ctx); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := a.deps.TimeSync.Sync(ctx); err != nil {
		a.log.Warn("time sync skipped", "error", err)
	}

	cfg := st.LoadConfig()
	if s.SealConfig && st.Format() == store.FormatPlain {
		if err := st.SealConfig(cfg); err != nil {
			a.log.Warn("seal config failed", "error", err)
		} else {
			a.log.Info("config sealed")
		}
	}

	var jr *journal.Journal
	if j, err := journal.Open(st.Path(s.JournalFile), a.log); err != nil {
		a.log.Warn("install journal unavailable", "error", err)
	} else {
		jr = j
		defer jr.Close()
		if changed, err := jr.Reconcile(ctx, cfg, st); err != nil {
			a.log.Warn("journal reconcile failed", "error", err)
		} else if changed {
			a.log.Info("version map repaired from journal", "versions", cfg.Versions)
		}
	}

	updater, err := a.updater(ctx, cfg, st, jr)
	if err != nil {
		a.log.Warn("updates disabled", "error", err)
	}
	if updater.CheckAndUpdate(ctx, cfg) {
		return dispatch.ErrRebootPending
	}

	threshold, baseline, err := dispatch.Calibrate(ctx, hwr.Touch, s.CalibrationSamples, s.CalibrationInterval, a.deps.Clock)
	if err != nil {
		return err
	}
	a.log.Info("touch calibrated", "baseline", baseline, "threshold", threshold)

	bus := a.deps.NewBus(cfg)
	sup := connectivity.New(bus, connectivity.Options{
		Topics:      cfg.SubTopics,
		UpdateTopic: s.UpdateTopic,
		Backoff:     s.ReconnectBackoff,
		Logger:      a.log,
	})
	shared := &dispatch.State{}
	inbound := dispatch.NewInbound(shared, s.UpdateTopic, s.PulseDuration, a.deps.Clock, a.log)
	bus.SetHandler(inbound.HandleMessage)
	bus.OnConnectionLost(func(err error) { sup.MarkDown("connection lost: " + err.Error()) })

	loop := dispatch.NewLoop(shared, hwr.Touch, bus, sup, updater, cfg, dispatch.LoopOptions{
		PubTopic:     cfg.PubTopic,
		Threshold:    threshold,
		Cooldown:     s.PublishCooldown,
		ReclaimEvery: s.ReclaimEvery,
		Clock:        a.deps.Clock,
		Logger:       a.log,
	})

	sched := dispatch.NewScheduler(a.deps.Clock, a.log)
	sched.Every("dispatch", s.DispatchInterval, loop)
	sched.Every("led", s.LEDInterval, dispatch.NewLED(shared, hwr.LED, a.deps.Clock, a.log))
	sched.After("stability", s.StabilityDelay, dispatch.NewStability(st, a.log))

	a.log.Info("starting main loop", "pub_topic", cfg.PubTopic, "topics", sup.Topics())
	err = sched.Run(ctx)
	if !errors.Is(err, dispatch.ErrRebootPending) {
		sup.Disconnect("shutdown")
		hwr.LED.SetBrightness(0)
	}
	return err
}

func (a *App) updater(ctx context.Context, cfg *store.DeviceConfig, st *store.Store, jr *journal.Journal) (dispatch.Updater, error) {
	src, err := a.deps.NewSource(ctx, cfg)
	if err != nil {
		return noUpdates{a.log}, err
	}
	if src == nil {
		return noUpdates{a.log}, errors.New("no update source configured")
	}
	opts := ota.Options{
		Dir:         a.settings.InstallDir,
		RebootDelay: a.settings.RebootDelay,
		Clock:       a.deps.Clock,
		Logger:      a.log,
	}
	if jr != nil {
		opts.Journal = jr
	}
	return ota.New(src, st, a.deps.Restarter, opts), nil
}

// noUpdates stands in for the updater when no source is configured.
type noUpdates struct{ log *slog.Logger }

func (n noUpdates) CheckAndUpdate(context.Context, *store.DeviceConfig) bool {
	n.log.Debug("update check skipped, no source")
	return false
}
