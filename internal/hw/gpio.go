// Package hw holds the adapters between the node and its Linux host: GPIO lines for
// the touch sensor and the LED, and shell commands for restart, network
// provisioning and time sync.
package hw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gpiod "github.com/warthog618/go-gpiocdev"

	"github.com/r0bb10/ornament-node/internal/clock"
)

// Raw values reported by a digital touch line.
const (
	TouchedReading = 0
	IdleReading    = 1000
)

// LEDOnLevel is the lowest brightness that lights a plain on/off LED line.
const LEDOnLevel = 512

// line is the part of *gpiod.Line the adapters use.
type line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// Chip owns the GPIO character device and the lines requested from it.
type Chip struct {
	mu    sync.Mutex
	chip  *gpiod.Chip
	lines []line
}

// OpenChip opens the named chip, for example "gpiochip0".
func OpenChip(name string) (*Chip, error) {
	c, err := gpiod.NewChip(name, gpiod.WithConsumer("ornament-node"))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", name, err)
	}
	return &Chip{chip: c}, nil
}

// Close releases every line and the chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, l := range c.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	c.lines = nil
	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		c.chip = nil
	}
	return errors.Join(errs...)
}

// TouchOptions describes the touch input line.
type TouchOptions struct {
	Pin    int
	PullUp bool
	// ActiveLow is set when the sensor pulls the line low on touch.
	ActiveLow bool
}

// OpenTouch requests the touch input line.
func (c *Chip) OpenTouch(opts TouchOptions) (*Touch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chip == nil {
		return nil, errors.New("chip not opened")
	}

	reqOpts := []gpiod.LineReqOption{gpiod.AsInput}
	if opts.PullUp {
		reqOpts = append(reqOpts, gpiod.WithPullUp)
	}
	l, err := c.chip.RequestLine(opts.Pin, reqOpts...)
	if err != nil {
		return nil, fmt.Errorf("request touch pin %d: %w", opts.Pin, err)
	}
	c.lines = append(c.lines, l)
	return &Touch{line: l, activeLow: opts.ActiveLow}, nil
}

// OpenLED requests the LED output line, starting dark.
func (c *Chip) OpenLED(pin int, clk clock.Clock) (*LED, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chip == nil {
		return nil, errors.New("chip not opened")
	}

	l, err := c.chip.RequestLine(pin, gpiod.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request led pin %d: %w", pin, err)
	}
	c.lines = append(c.lines, l)
	return newLED(l, clk), nil
}

// Touch reads a digital touch sensor and reports it on the raw scale the
// dispatch loop classifies: TouchedReading when touched, IdleReading otherwise.
type Touch struct {
	line      line
	activeLow bool
}

func (t *Touch) Read() (int, error) {
	v, err := t.line.Value()
	if err != nil {
		return 0, fmt.Errorf("read touch: %w", err)
	}
	touched := v == 1
	if t.activeLow {
		touched = !touched
	}
	if touched {
		return TouchedReading, nil
	}
	return IdleReading, nil
}

// LED drives an on/off LED line from a 0..1023 brightness.
type LED struct {
	mu    sync.Mutex
	line  line
	clock clock.Clock
	level int
}

func newLED(l line, clk clock.Clock) *LED {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LED{line: l, clock: clk}
}

// SetBrightness lights the line at LEDOnLevel and above. Unchanged levels are not
// written again.
func (l *LED) SetBrightness(v int) error {
	level := 0
	if v >= LEDOnLevel {
		level = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level == l.level {
		return nil
	}
	if err := l.line.SetValue(level); err != nil {
		return fmt.Errorf("set led: %w", err)
	}
	l.level = level
	return nil
}

// Blink flashes the LED count times, interval on then interval off, and leaves it
// dark.
func (l *LED) Blink(ctx context.Context, count int, interval time.Duration) error {
	for range count {
		if err := l.SetBrightness(1023); err != nil {
			return err
		}
		if err := l.clock.Sleep(ctx, interval); err != nil {
			l.SetBrightness(0)
			return err
		}
		if err := l.SetBrightness(0); err != nil {
			return err
		}
		if err := l.clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
	return nil
}
