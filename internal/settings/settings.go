// Package settings loads the runtime settings of the node: paths, timings, GPIO
// pins and host commands. Defaults are overridden by an optional node.yaml, then by
// ORNAMENT_* environment variables, then by command line flags.
//
// The device config (broker, topics, tracked files) is not a setting; it lives in
// the data directory and is handled by the store.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ORNAMENT_DATA_DIR.
const EnvPrefix = "ORNAMENT"

// Update sources.
const (
	SourceHTTP = "http"
	SourceS3   = "s3"
)

// Settings holds all runtime settings.
type Settings struct {
	// Paths
	DataDir         string `mapstructure:"data-dir"`
	InstallDir      string `mapstructure:"install-dir"`
	ConfigFile      string `mapstructure:"config-file"`
	CredentialsFile string `mapstructure:"credentials-file"`
	KeyFile         string `mapstructure:"key-file"`
	SealConfig      bool   `mapstructure:"seal-config"`
	JournalFile     string `mapstructure:"journal-file"`

	// Updates
	UpdateSource    string        `mapstructure:"update-source"`
	UpdateURL       string        `mapstructure:"update-url"`
	S3Bucket        string        `mapstructure:"s3-bucket"`
	S3Region        string        `mapstructure:"s3-region"`
	S3Prefix        string        `mapstructure:"s3-prefix"`
	ManifestTimeout time.Duration `mapstructure:"manifest-timeout"`
	DownloadTimeout time.Duration `mapstructure:"download-timeout"`
	RebootDelay     time.Duration `mapstructure:"reboot-delay"`

	// Bus
	UpdateTopic       string        `mapstructure:"update-topic"`
	AvailabilityTopic string        `mapstructure:"availability-topic"`
	KeepAlive         time.Duration `mapstructure:"keepalive"`
	BusTimeout        time.Duration `mapstructure:"bus-timeout"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect-backoff"`
	QoS               int           `mapstructure:"qos"`
	InsecureTLS       bool          `mapstructure:"insecure-tls"`

	// Loop
	DispatchInterval    time.Duration `mapstructure:"dispatch-interval"`
	LEDInterval         time.Duration `mapstructure:"led-interval"`
	PublishCooldown     time.Duration `mapstructure:"publish-cooldown"`
	PulseDuration       time.Duration `mapstructure:"pulse-duration"`
	StabilityDelay      time.Duration `mapstructure:"stability-delay"`
	ReclaimEvery        int           `mapstructure:"reclaim-every"`
	CalibrationSamples  int           `mapstructure:"calibration-samples"`
	CalibrationInterval time.Duration `mapstructure:"calibration-interval"`

	// GPIO
	GPIOEnabled    bool          `mapstructure:"gpio-enabled"`
	GPIOChip       string        `mapstructure:"gpio-chip"`
	TouchPin       int           `mapstructure:"touch-pin"`
	TouchPullUp    bool          `mapstructure:"touch-pull-up"`
	TouchActiveLow bool          `mapstructure:"touch-active-low"`
	LEDPin         int           `mapstructure:"led-pin"`
	BlinkCount     int           `mapstructure:"blink-count"`
	BlinkInterval  time.Duration `mapstructure:"blink-interval"`

	// Host commands
	RestartCommand   string        `mapstructure:"restart-command"`
	ProvisionCommand string        `mapstructure:"provision-command"`
	ProvisionTimeout time.Duration `mapstructure:"provision-timeout"`
	TimeSyncCommand  string        `mapstructure:"time-sync-command"`
	TimeSyncTimeout  time.Duration `mapstructure:"time-sync-timeout"`
	FatalDelay       time.Duration `mapstructure:"fatal-delay"`

	LogLevel string `mapstructure:"log-level"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", "/var/lib/ornament-node")
	v.SetDefault("install-dir", "")
	v.SetDefault("config-file", "config.json")
	v.SetDefault("credentials-file", "wifi.dat")
	v.SetDefault("key-file", "/etc/machine-id")
	v.SetDefault("seal-config", false)
	v.SetDefault("journal-file", "installs.db")

	v.SetDefault("update-source", SourceHTTP)
	v.SetDefault("update-url", "")
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-prefix", "")
	v.SetDefault("manifest-timeout", 10*time.Second)
	v.SetDefault("download-timeout", 15*time.Second)
	v.SetDefault("reboot-delay", 1500*time.Millisecond)

	v.SetDefault("update-topic", "tree/cmd/update")
	v.SetDefault("availability-topic", "")
	v.SetDefault("keepalive", 30*time.Second)
	v.SetDefault("bus-timeout", 10*time.Second)
	v.SetDefault("reconnect-backoff", 5*time.Second)
	v.SetDefault("qos", 0)
	v.SetDefault("insecure-tls", true)

	v.SetDefault("dispatch-interval", 50*time.Millisecond)
	v.SetDefault("led-interval", 20*time.Millisecond)
	v.SetDefault("publish-cooldown", 5*time.Second)
	v.SetDefault("pulse-duration", 5*time.Second)
	v.SetDefault("stability-delay", 5*time.Second)
	v.SetDefault("reclaim-every", 100)
	v.SetDefault("calibration-samples", 20)
	v.SetDefault("calibration-interval", 50*time.Millisecond)

	v.SetDefault("gpio-enabled", true)
	v.SetDefault("gpio-chip", "gpiochip0")
	v.SetDefault("touch-pin", 27)
	v.SetDefault("touch-pull-up", false)
	v.SetDefault("touch-active-low", false)
	v.SetDefault("led-pin", 33)
	v.SetDefault("blink-count", 15)
	v.SetDefault("blink-interval", 50*time.Millisecond)

	v.SetDefault("restart-command", "sudo reboot")
	v.SetDefault("provision-command", "")
	v.SetDefault("provision-timeout", time.Duration(0))
	v.SetDefault("time-sync-command", "")
	v.SetDefault("time-sync-timeout", 30*time.Second)
	v.SetDefault("fatal-delay", 5*time.Second)

	v.SetDefault("log-level", "info")
}

// Load reads settings from defaults, the settings file, the environment and
// flags. settingsFile may be empty, in which case node.yaml is looked up in the
// working directory and /etc/ornament-node and is optional.
func Load(settingsFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", settingsFile, err)
		}
	} else {
		v.SetConfigName("node")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ornament-node")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

// RestartArgv splits RestartCommand into an argv.
func (s *Settings) RestartArgv() []string {
	return strings.Fields(s.RestartCommand)
}
