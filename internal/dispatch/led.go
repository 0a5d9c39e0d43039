package dispatch

import (
	"context"
	"log/slog"
	"math"

	"github.com/r0bb10/ornament-node/internal/clock"
)

// MaxBrightness is the top of the LED duty range.
const MaxBrightness = 1023

const phaseStep = 0.1

// LEDDriver sets the LED brightness in 0..MaxBrightness.
type LEDDriver interface {
	SetBrightness(v int) error
}

// LED animates a sine pulse while State is active and holds the LED dark
// otherwise.
type LED struct {
	state *State
	drv   LEDDriver
	clock clock.Clock
	log   *slog.Logger
	phase float64
	// failing suppresses repeat warnings until a write succeeds again.
	failing bool
}

func NewLED(state *State, drv LEDDriver, clk clock.Clock, logger *slog.Logger) *LED {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LED{state: state, drv: drv, clock: clk, log: logger}
}

// Brightness maps a phase to a duty value.
func Brightness(phase float64) int {
	return int((math.Sin(phase)*0.5 + 0.5) * MaxBrightness)
}

// Step writes the next brightness. Driver errors are logged once per failure
// streak and never stop the task.
func (l *LED) Step(context.Context) error {
	b := 0
	if l.state.Active(l.clock.Now()) {
		b = Brightness(l.phase)
		l.phase += phaseStep
	} else {
		l.phase = 0
	}

	err := l.drv.SetBrightness(b)
	switch {
	case err != nil && !l.failing:
		l.failing = true
		l.log.Warn("led write failed", "error", err)
	case err == nil && l.failing:
		l.failing = false
		l.log.Info("led write recovered")
	}
	return nil
}
