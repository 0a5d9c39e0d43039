// Package dispatch runs the node's steady state: a fixed-tick scheduler stepping
// the dispatch loop, the LED animation and the stability confirmation, all sharing
// one State that the inbound message handler also writes to.
package dispatch

import (
	"sync"
	"time"
)

// State is the runtime state shared between the scheduled tasks and the inbound
// message handler. The handler runs on the bus client's goroutine, so every field
// is behind the mutex.
type State struct {
	mu              sync.Mutex
	touchActive     bool
	pulseUntil      time.Time
	nextPublish     time.Time
	updateRequested bool
}

// SetTouch records the latest touch classification.
func (s *State) SetTouch(active bool) {
	s.mu.Lock()
	s.touchActive = active
	s.mu.Unlock()
}

func (s *State) TouchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchActive
}

// ExtendPulse keeps the LED animating until until, unless it already runs longer.
func (s *State) ExtendPulse(until time.Time) {
	s.mu.Lock()
	if until.After(s.pulseUntil) {
		s.pulseUntil = until
	}
	s.mu.Unlock()
}

func (s *State) PulseUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulseUntil
}

// Active reports whether the LED should animate at now.
func (s *State) Active(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchActive || now.Before(s.pulseUntil)
}

// PublishDue reports whether the cooldown since the last publish has elapsed.
func (s *State) PublishDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.nextPublish)
}

// Published starts a new cooldown at now.
func (s *State) Published(now time.Time, cooldown time.Duration) {
	s.mu.Lock()
	s.nextPublish = now.Add(cooldown)
	s.mu.Unlock()
}

func (s *State) NextPublish() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPublish
}

// RequestUpdate raises the update flag.
func (s *State) RequestUpdate() {
	s.mu.Lock()
	s.updateRequested = true
	s.mu.Unlock()
}

func (s *State) UpdateRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRequested
}

func (s *State) ClearUpdate() {
	s.mu.Lock()
	s.updateRequested = false
	s.mu.Unlock()
}
