package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/r0bb10/ornament-node/internal/clock"
	"github.com/r0bb10/ornament-node/internal/store"
)

// ErrRebootPending stops the scheduler after an update initiated a reboot.
var ErrRebootPending = errors.New("reboot pending")

// IdleReading is used when the touch sensor cannot be read.
const IdleReading = 1000

// Defaults for LoopOptions.
const (
	DefaultCooldown     = 5 * time.Second
	DefaultReclaimEvery = 100
)

// TouchReader reads the raw touch value. Lower means touched.
type TouchReader interface {
	Read() (int, error)
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Connectivity is the supervisor as seen by the loop.
type Connectivity interface {
	Ensure(ctx context.Context, now time.Time) bool
	Connected() bool
	MarkDown(reason string)
	Disconnect(reason string)
}

// Updater runs a manifest-driven update pass.
type Updater interface {
	CheckAndUpdate(ctx context.Context, cfg *store.DeviceConfig) bool
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	PubTopic  string
	Threshold int
	// Cooldown is the minimum spacing of touch publishes.
	Cooldown time.Duration
	// ReclaimEvery runs Reclaim every that many ticks.
	ReclaimEvery int
	Reclaim      func()
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Loop is the dispatch task. One Step is one tick: update check, then
// connectivity, then touch.
type Loop struct {
	state   *State
	touch   TouchReader
	bus     Publisher
	conn    Connectivity
	updater Updater
	cfg     *store.DeviceConfig

	topic        string
	threshold    int
	cooldown     time.Duration
	reclaimEvery int
	reclaim      func()
	clock        clock.Clock
	log          *slog.Logger

	ticks int
}

// NewLoop wires a Loop. cfg is the live device config handed to the updater.
func NewLoop(state *State, touch TouchReader, bus Publisher, conn Connectivity, updater Updater, cfg *store.DeviceConfig, opts LoopOptions) *Loop {
	if opts.PubTopic == "" {
		opts.PubTopic = store.DefaultPubTopic
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.ReclaimEvery <= 0 {
		opts.ReclaimEvery = DefaultReclaimEvery
	}
	if opts.Reclaim == nil {
		opts.Reclaim = debug.FreeOSMemory
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		state:        state,
		touch:        touch,
		bus:          bus,
		conn:         conn,
		updater:      updater,
		cfg:          cfg,
		topic:        opts.PubTopic,
		threshold:    opts.Threshold,
		cooldown:     opts.Cooldown,
		reclaimEvery: opts.ReclaimEvery,
		reclaim:      opts.Reclaim,
		clock:        opts.Clock,
		log:          opts.Logger,
	}
}

// Step runs one tick. It returns ErrRebootPending when an update was installed;
// the caller must stop everything.
func (l *Loop) Step(ctx context.Context) error {
	l.ticks++
	if l.ticks%l.reclaimEvery == 0 {
		l.reclaim()
	}

	if l.state.UpdateRequested() {
		l.conn.Disconnect("update requested")
		if l.updater.CheckAndUpdate(ctx, l.cfg) {
			return ErrRebootPending
		}
		l.state.ClearUpdate()
		l.log.Info("no update installed, resuming")
	}

	now := l.clock.Now()
	l.conn.Ensure(ctx, now)

	reading, err := l.touch.Read()
	if err != nil {
		l.log.Debug("touch read failed", "error", err)
		reading = IdleReading
	}
	active := reading < l.threshold
	l.state.SetTouch(active)
	if !active || !l.conn.Connected() || !l.state.PublishDue(now) {
		return nil
	}

	l.log.Info("publishing touch", "topic", l.topic, "reading", reading)
	if err := l.bus.Publish(ctx, l.topic, []byte(strconv.Itoa(reading))); err != nil {
		l.conn.MarkDown("publish failed: " + err.Error())
		return nil
	}
	l.state.Published(now, l.cooldown)
	return nil
}

// Calibrate averages samples raw readings taken interval apart and returns the
// touch threshold, 80% of the untouched baseline. Failed reads count as
// IdleReading.
func Calibrate(ctx context.Context, touch TouchReader, samples int, interval time.Duration, clk clock.Clock) (threshold, baseline int, err error) {
	if samples <= 0 {
		samples = 20
	}
	if clk == nil {
		clk = clock.Real{}
	}
	total := 0
	for range samples {
		v, rerr := touch.Read()
		if rerr != nil {
			v = IdleReading
		}
		total += v
		if err := clk.Sleep(ctx, interval); err != nil {
			return 0, 0, err
		}
	}
	baseline = total / samples
	return int(float64(baseline) * 0.8), baseline, nil
}
