package dispatch

import (
	"context"
	"log/slog"
)

// BootMarkerClearer removes the boot marker.
type BootMarkerClearer interface {
	ClearBootMarker() error
}

// Stability clears the boot marker once the node has run long enough to count
// as a good boot. Schedule it with After.
type Stability struct {
	markers BootMarkerClearer
	log     *slog.Logger
}

func NewStability(markers BootMarkerClearer, logger *slog.Logger) *Stability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stability{markers: markers, log: logger}
}

func (s *Stability) Step(context.Context) error {
	if err := s.markers.ClearBootMarker(); err != nil {
		s.log.Warn("clear boot marker failed", "error", err)
		return nil
	}
	s.log.Info("stable, boot marker cleared")
	return nil
}
