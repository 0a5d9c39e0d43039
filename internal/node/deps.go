package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/r0bb10/ornament-node/internal/bootgate"
	"github.com/r0bb10/ornament-node/internal/clock"
	"github.com/r0bb10/ornament-node/internal/dispatch"
	"github.com/r0bb10/ornament-node/internal/hw"
	"github.com/r0bb10/ornament-node/internal/mqttbus"
	"github.com/r0bb10/ornament-node/internal/ota"
	"github.com/r0bb10/ornament-node/internal/settings"
	"github.com/r0bb10/ornament-node/internal/store"
)

// Restarter restarts the device.
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// Provisioner blocks until the host has joined a network.
type Provisioner interface {
	Connect(ctx context.Context) error
}

// TimeSync sets the wall clock.
type TimeSync interface {
	Sync(ctx context.Context) error
}

// Bus is the message bus session.
type Bus interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
	IsConnected() bool
	SetHandler(h mqttbus.Handler)
	OnConnectionLost(fn func(error))
}

// LED is the status LED.
type LED interface {
	dispatch.LEDDriver
	bootgate.Blinker
}

// Hardware is the touch sensor and LED of the node.
type Hardware struct {
	Touch dispatch.TouchReader
	LED   LED
	Close func() error
}

// Deps are the collaborators of an App. Nil fields get the production
// implementation built from the settings.
type Deps struct {
	Clock        clock.Clock
	Key          store.KeyProvider
	Restarter    Restarter
	Provisioner  Provisioner
	TimeSync     TimeSync
	OpenHardware func() (*Hardware, error)
	NewBus       func(cfg *store.DeviceConfig) Bus
	// NewSource returns the update source, or nil when updates are not configured.
	NewSource func(ctx context.Context, cfg *store.DeviceConfig) (ota.Source, error)
}

func (d *Deps) fill(s *settings.Settings, logger *slog.Logger) {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Key == nil {
		d.Key = store.MachineIDKey{Path: s.KeyFile}
	}
	if d.Restarter == nil {
		d.Restarter = hw.NewCommandRestarter(s.RestartArgv(), logger)
	}
	if d.Provisioner == nil {
		d.Provisioner = hw.NewCommandProvisioner(s.ProvisionCommand, s.ProvisionTimeout, logger)
	}
	if d.TimeSync == nil {
		d.TimeSync = hw.NewCommandTimeSync(s.TimeSyncCommand, s.TimeSyncTimeout, logger)
	}
	if d.OpenHardware == nil {
		clk := d.Clock
		d.OpenHardware = func() (*Hardware, error) { return openGPIO(s, clk) }
	}
	if d.NewBus == nil {
		d.NewBus = func(cfg *store.DeviceConfig) Bus { return newMQTTBus(s, cfg, logger) }
	}
	if d.NewSource == nil {
		d.NewSource = func(ctx context.Context, cfg *store.DeviceConfig) (ota.Source, error) {
			return newSource(ctx, s, cfg, logger)
		}
	}
}

func openGPIO(s *settings.Settings, clk clock.Clock) (*Hardware, error) {
	if !s.GPIOEnabled {
		return NullHardware(), nil
	}
	chip, err := hw.OpenChip(s.GPIOChip)
	if err != nil {
		return nil, err
	}
	touch, err := chip.OpenTouch(hw.TouchOptions{Pin: s.TouchPin, PullUp: s.TouchPullUp, ActiveLow: s.TouchActiveLow})
	if err != nil {
		chip.Close()
		return nil, err
	}
	led, err := chip.OpenLED(s.LEDPin, clk)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return &Hardware{Touch: touch, LED: led, Close: chip.Close}, nil
}

func newMQTTBus(s *settings.Settings, cfg *store.DeviceConfig, logger *slog.Logger) Bus {
	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "ornament-" + host
	}
	return mqttbus.New(mqttbus.Options{
		Broker:            cfg.URL,
		ClientID:          clientID,
		Username:          cfg.User,
		Password:          cfg.Pass,
		KeepAlive:         s.KeepAlive,
		OpTimeout:         s.BusTimeout,
		QoS:               byte(s.QoS),
		InsecureTLS:       s.InsecureTLS,
		AvailabilityTopic: s.AvailabilityTopic,
		Logger:            logger,
	})
}

func newSource(ctx context.Context, s *settings.Settings, cfg *store.DeviceConfig, logger *slog.Logger) (ota.Source, error) {
	if s.UpdateSource == settings.SourceS3 {
		src, err := ota.NewS3Source(ctx, s.S3Bucket, s.S3Region, s.S3Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 update source: %w", err)
		}
		return src, nil
	}
	base := s.UpdateURL
	if base == "" {
		base = cfg.UpdateURL
	}
	if base == "" {
		return nil, nil
	}
	return ota.NewHTTPSource(base, ota.HTTPOptions{
		Client:          &http.Client{},
		ManifestTimeout: s.ManifestTimeout,
		DownloadTimeout: s.DownloadTimeout,
	}), nil
}

// NullHardware stands in when no GPIO is available: the touch sensor always
// reads idle and the LED is discarded.
func NullHardware() *Hardware {
	return &Hardware{Touch: idleTouch{}, LED: darkLED{}, Close: func() error { return nil }}
}

type idleTouch struct{}

func (idleTouch) Read() (int, error) { return hw.IdleReading, nil }

type darkLED struct{}

func (darkLED) SetBrightness(int) error                         { return nil }
func (darkLED) Blink(context.Context, int, time.Duration) error { return nil }
