package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Validate checks settings for errors. It never mutates s.
func (s *Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.DataDir == "" {
		add("data-dir cannot be empty")
	}
	if s.ConfigFile == "" {
		add("config-file cannot be empty")
	}
	if s.JournalFile == "" {
		add("journal-file cannot be empty")
	}

	switch s.UpdateSource {
	case SourceHTTP:
		if s.UpdateURL != "" {
			if u, err := url.Parse(s.UpdateURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				add("update-url must be an http(s) URL, got %q", s.UpdateURL)
			}
		}
	case SourceS3:
		if s.S3Bucket == "" {
			add("s3-bucket is required when update-source is s3")
		}
		if s.S3Region == "" {
			add("s3-region is required when update-source is s3")
		}
	default:
		add("update-source must be %q or %q, got %q", SourceHTTP, SourceS3, s.UpdateSource)
	}

	positive := map[string]int64{
		"manifest-timeout":    int64(s.ManifestTimeout),
		"download-timeout":    int64(s.DownloadTimeout),
		"keepalive":           int64(s.KeepAlive),
		"bus-timeout":         int64(s.BusTimeout),
		"reconnect-backoff":   int64(s.ReconnectBackoff),
		"dispatch-interval":   int64(s.DispatchInterval),
		"led-interval":        int64(s.LEDInterval),
		"publish-cooldown":    int64(s.PublishCooldown),
		"pulse-duration":      int64(s.PulseDuration),
		"reclaim-every":       int64(s.ReclaimEvery),
		"calibration-samples": int64(s.CalibrationSamples),
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			add("%s must be positive", name)
		}
	}

	nonNegative := map[string]int64{
		"reboot-delay":         int64(s.RebootDelay),
		"stability-delay":      int64(s.StabilityDelay),
		"calibration-interval": int64(s.CalibrationInterval),
		"blink-count":          int64(s.BlinkCount),
		"blink-interval":       int64(s.BlinkInterval),
		"provision-timeout":    int64(s.ProvisionTimeout),
		"time-sync-timeout":    int64(s.TimeSyncTimeout),
		"fatal-delay":          int64(s.FatalDelay),
	}
	for _, name := range slices.Sorted(maps.Keys(nonNegative)) {
		if nonNegative[name] < 0 {
			add("%s must be non-negative", name)
		}
	}

	if s.QoS < 0 || s.QoS > 2 {
		add("qos must be 0, 1 or 2, got %d", s.QoS)
	}
	if strings.TrimSpace(s.UpdateTopic) == "" {
		add("update-topic cannot be empty")
	}
	if len(s.RestartArgv()) == 0 {
		add("restart-command cannot be empty")
	}
	if s.GPIOEnabled {
		if s.GPIOChip == "" {
			add("gpio-chip cannot be empty")
		}
		if s.TouchPin < 0 || s.LEDPin < 0 {
			add("gpio pins must be non-negative")
		}
		if s.TouchPin == s.LEDPin {
			add("touch-pin and led-pin must differ, both are %d", s.TouchPin)
		}
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Normalize fills settings derived from others. Call it after Validate.
func Normalize(s *Settings) {
	if s == nil {
		return
	}
	if s.InstallDir == "" {
		s.InstallDir = s.DataDir
	}
	s.UpdateURL = strings.TrimRight(s.UpdateURL, "/")
	s.LogLevel = strings.ToLower(s.LogLevel)
	if s.S3Prefix != "" && !strings.HasSuffix(s.S3Prefix, "/") {
		s.S3Prefix += "/"
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return l, nil
}
