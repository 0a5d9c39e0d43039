package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// DefaultPubTopic is used when the config does not name a publish topic.
const DefaultPubTopic = "touch"

// Format records where the device config was loaded from. SaveConfig writes
// back in the same format.
type Format uint8

const (
	FormatDefault Format = iota
	FormatPlain
	FormatEncrypted
)

func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "plain"
	case FormatEncrypted:
		return "encrypted"
	default:
		return "default"
	}
}

// Version is a per-file version scalar. It decodes from numbers and numeric strings.
type Version float64

func (v *Version) UnmarshalJSON(b []byte) error {
	return v.parse(strings.Trim(string(b), `"`))
}

func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	return v.parse(node.Value)
}

func (v *Version) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", s, err)
	}
	*v = Version(f)
	return nil
}

// DeviceConfig is the whole persisted device record. It is only ever replaced as a
// whole, never partially.
type DeviceConfig struct {
	URL       string             `json:"url" yaml:"url"`
	User      string             `json:"user" yaml:"user"`
	Pass      string             `json:"pass" yaml:"pass"`
	ClientID  string             `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	SubTopics []string           `json:"sub_topics" yaml:"sub_topics"`
	PubTopic  string             `json:"pub_topic" yaml:"pub_topic"`
	Files     []string           `json:"files" yaml:"files"`
	Versions  map[string]Version `json:"versions" yaml:"versions"`
	UpdateURL string             `json:"github_url" yaml:"github_url"`
}

// DefaultConfig is the empty record used when nothing can be loaded.
func DefaultConfig() *DeviceConfig {
	return &DeviceConfig{
		SubTopics: []string{},
		PubTopic:  DefaultPubTopic,
		Files:     []string{},
		Versions:  map[string]Version{},
	}
}

// Clone returns a deep copy.
func (c *DeviceConfig) Clone() *DeviceConfig {
	out := *c
	out.SubTopics = append([]string(nil), c.SubTopics...)
	out.Files = append([]string(nil), c.Files...)
	out.Versions = make(map[string]Version, len(c.Versions))
	for k, v := range c.Versions {
		out.Versions[k] = v
	}
	return &out
}

func (c *DeviceConfig) normalize() {
	if c.Versions == nil {
		c.Versions = map[string]Version{}
	}
	if c.SubTopics == nil {
		c.SubTopics = []string{}
	}
	if c.Files == nil {
		c.Files = []string{}
	}
	if c.PubTopic == "" {
		c.PubTopic = DefaultPubTopic
	}
}

// Format reports the format of the last loaded config.
func (s *Store) Format() Format { return s.format }

// LoadConfig loads the encrypted config, then the plaintext one, then falls back to
// defaults. It never fails; every problem is logged.
func (s *Store) LoadConfig() *DeviceConfig {
	if cfg, err := s.loadEncrypted(); err == nil {
		s.log.Info("loaded encrypted config")
		s.format = FormatEncrypted
		return cfg
	} else if !os.IsNotExist(err) {
		s.log.Warn("encrypted config unusable", "error", err)
	}

	if cfg, err := s.loadPlain(); err == nil {
		s.log.Info("loaded plaintext config", "path", s.plainPath)
		s.format = FormatPlain
		return cfg
	} else if !os.IsNotExist(err) {
		s.log.Warn("plaintext config unusable", "error", err)
	}

	s.log.Error("no config found, using empty defaults")
	s.format = FormatDefault
	return DefaultConfig()
}

func (s *Store) loadEncrypted() (*DeviceConfig, error) {
	if s.key == nil {
		return nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(s.encPath)
	if err != nil {
		return nil, err
	}
	key, err := s.key.Key()
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	cfg := &DeviceConfig{}
	if err := json.Unmarshal(xorKey(raw, key), cfg); err != nil {
		return nil, fmt.Errorf("decrypt config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (s *Store) loadPlain() (*DeviceConfig, error) {
	raw, err := os.ReadFile(s.plainPath)
	if err != nil {
		return nil, err
	}
	cfg := &DeviceConfig{}
	// Tab-indented JSON is not valid YAML, so objects go through encoding/json.
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		err = json.Unmarshal(raw, cfg)
	} else {
		err = yaml.Unmarshal(raw, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(s.plainPath), err)
	}
	cfg.normalize()
	return cfg, nil
}

// SaveConfig persists cfg atomically in the format it was loaded from.
func (s *Store) SaveConfig(cfg *DeviceConfig) error {
	if s.format == FormatEncrypted {
		key, err := s.key.Key()
		if err != nil {
			return fault.NewStorage("derive key", err)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		return WriteFileAtomic(s.encPath, xorKey(data, key), 0o600)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(s.plainPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return WriteFileAtomic(s.plainPath, data, 0o600)
}

// SealConfig writes cfg as the encrypted store, switches the Store to it and
// removes the plaintext file so credentials stop living on disk in the clear.
func (s *Store) SealConfig(cfg *DeviceConfig) error {
	if s.key == nil {
		return fmt.Errorf("no key provider configured")
	}
	prev := s.format
	s.format = FormatEncrypted
	if err := s.SaveConfig(cfg); err != nil {
		s.format = prev
		return err
	}
	return remove("remove plaintext config", s.plainPath)
}
