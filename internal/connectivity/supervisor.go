// Package connectivity owns the bus session. It is the only place a connection is
// (re)established; everything else reports a fault with MarkDown and carries on.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultUpdateTopic carries remote update commands.
const DefaultUpdateTopic = "tree/cmd/update"

// DefaultBackoff is the fixed wait after a failed attempt.
const DefaultBackoff = 5 * time.Second

// Bus is the session the supervisor keeps alive.
type Bus interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Disconnect()
	IsConnected() bool
}

// State is the supervisor's view of the session.
type State uint32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// Options configures a Supervisor.
type Options struct {
	// Topics are subscribed in order on every connect.
	Topics []string
	// UpdateTopic is subscribed after Topics.
	UpdateTopic string
	Backoff     time.Duration
	Logger      *slog.Logger
}

// Supervisor keeps one bus session alive with a fixed backoff and no retry limit.
// Ensure must be called from a single goroutine; MarkDown, Connected and State are
// safe from any goroutine.
type Supervisor struct {
	bus     Bus
	topics  []string
	backoff time.Duration
	log     *slog.Logger

	connected atomic.Bool
	state     atomic.Uint32

	// owned by the Ensure caller
	next     time.Time
	attempts int
}

// New creates a Supervisor in the Disconnected state.
func New(bus Bus, opts Options) *Supervisor {
	if opts.UpdateTopic == "" {
		opts.UpdateTopic = DefaultUpdateTopic
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	topics := make([]string, 0, len(opts.Topics)+1)
	for _, t := range opts.Topics {
		if t != "" {
			topics = append(topics, t)
		}
	}
	topics = append(topics, opts.UpdateTopic)

	return &Supervisor{
		bus:     bus,
		topics:  topics,
		backoff: opts.Backoff,
		log:     opts.Logger,
	}
}

var errSessionLost = errors.New("session lost while subscribing")

// Topics returns the subscription list in subscribe order.
func (s *Supervisor) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Connected reports the connection state flag.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// State reports the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Ensure attempts a connection when the session is down and the backoff deadline
// has passed. It never sleeps. It returns the connection state after the call.
func (s *Supervisor) Ensure(ctx context.Context, now time.Time) bool {
	if s.connected.Load() {
		if s.bus.IsConnected() {
			return true
		}
		s.MarkDown("session closed underneath")
	}
	if now.Before(s.next) {
		return false
	}

	s.attempts++
	s.state.Store(uint32(Connecting))
	s.log.Info("connecting to bus", "attempt", s.attempts)

	if err := s.connect(ctx); err != nil {
		s.bus.Disconnect()
		s.state.Store(uint32(Disconnected))
		s.next = now.Add(s.backoff)
		s.log.Warn("bus connect failed", "error", err, "retry_in", s.backoff)
		return false
	}

	s.attempts = 0
	s.state.Store(uint32(Subscribed))
	s.connected.Store(true)
	s.log.Info("bus connected", "topics", s.topics)
	return true
}

func (s *Supervisor) connect(ctx context.Context) error {
	// A session marked down may still be open underneath.
	if s.bus.IsConnected() {
		s.bus.Disconnect()
	}
	if err := s.bus.Connect(ctx); err != nil {
		return err
	}
	for _, t := range s.topics {
		if err := s.bus.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	// The session may drop between the last SUBACK and here.
	if !s.bus.IsConnected() {
		return errSessionLost
	}
	return nil
}

// MarkDown records a fault. The next Ensure reconnects.
func (s *Supervisor) MarkDown(reason string) {
	if s.connected.Swap(false) {
		s.log.Warn("bus marked down", "reason", reason)
	}
	s.state.Store(uint32(Disconnected))
}

// Disconnect closes the session on purpose, for example before an update.
func (s *Supervisor) Disconnect(reason string) {
	s.MarkDown(reason)
	s.bus.Disconnect()
}
