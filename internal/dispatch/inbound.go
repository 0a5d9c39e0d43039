package dispatch

import (
	"log/slog"
	"strings"
	"time"

	"github.com/r0bb10/ornament-node/internal/clock"
)

// UpdatePayload requests an update on any topic.
const UpdatePayload = "update"

// DefaultPulse is how long a remote message keeps the LED animating.
const DefaultPulse = 5 * time.Second

// Inbound routes bus messages into State.
type Inbound struct {
	state       *State
	updateTopic string
	pulse       time.Duration
	clock       clock.Clock
	log         *slog.Logger
}

// NewInbound creates the handler. pulse <= 0 selects DefaultPulse.
func NewInbound(state *State, updateTopic string, pulse time.Duration, clk clock.Clock, logger *slog.Logger) *Inbound {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{state: state, updateTopic: updateTopic, pulse: pulse, clock: clk, log: logger}
}

// HandleMessage is installed as the bus client's inbound callback.
func (h *Inbound) HandleMessage(topic string, payload []byte) {
	if topic == h.updateTopic || strings.EqualFold(strings.TrimSpace(string(payload)), UpdatePayload) {
		h.log.Info("update requested", "topic", topic)
		h.state.RequestUpdate()
		return
	}
	h.log.Debug("pulse", "topic", topic, "payload", string(payload))
	h.state.ExtendPulse(h.clock.Now().Add(h.pulse))
}
