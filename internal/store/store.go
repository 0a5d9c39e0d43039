// Package store provides typed access to the files the node keeps on its data
// partition: the boot markers, the provisioned credentials and the device config.
package store

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// File names inside the data directory.
const (
	BootMarkerFile      = ".reset_flag"
	BypassMarkerFile    = ".ota_running"
	CredentialsFile     = "wifi.dat"
	EncryptedConfigFile = "config.dat"
	PlainConfigFile     = "config.json"
)

// Options configures a Store.
type Options struct {
	// Dir is the data directory. Relative file names below are resolved against it.
	Dir string
	// Key derives the config encryption key. Nil disables the encrypted store.
	Key KeyProvider
	// CredentialsFile is where the provisioner keeps network credentials.
	CredentialsFile string
	// PlainConfigFile is the plaintext config (YAML or JSON syntax).
	PlainConfigFile string
	Logger          *slog.Logger
}

// Store is the persistent state of the node.
type Store struct {
	dir       string
	key       KeyProvider
	credsPath string
	plainPath string
	encPath   string
	format    Format
	log       *slog.Logger
}

// Open prepares the data directory and returns a Store over it.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store: data directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fault.NewStorage("create data dir", err)
	}
	if opts.CredentialsFile == "" {
		opts.CredentialsFile = CredentialsFile
	}
	if opts.PlainConfigFile == "" {
		opts.PlainConfigFile = PlainConfigFile
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		dir: opts.Dir,
		key: opts.Key,
		log: opts.Logger,
	}
	s.credsPath = s.Path(opts.CredentialsFile)
	s.plainPath = s.Path(opts.PlainConfigFile)
	s.encPath = s.Path(EncryptedConfigFile)
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Path resolves name against the data directory unless it is absolute.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dir, name)
}

func (s *Store) HasBootMarker() bool    { return exists(s.Path(BootMarkerFile)) }
func (s *Store) SetBootMarker() error   { return s.setMarker(BootMarkerFile) }
func (s *Store) ClearBootMarker() error { return remove("clear boot marker", s.Path(BootMarkerFile)) }
func (s *Store) HasBypassMarker() bool  { return exists(s.Path(BypassMarkerFile)) }
func (s *Store) SetBypassMarker() error { return s.setMarker(BypassMarkerFile) }
func (s *Store) ClearBypassMarker() error {
	return remove("clear bypass marker", s.Path(BypassMarkerFile))
}

// HasCredentials reports whether provisioned network credentials are on disk.
func (s *Store) HasCredentials() bool { return exists(s.credsPath) }

// DeleteCredentials removes the provisioned credentials. A missing file is not an error.
func (s *Store) DeleteCredentials() error { return remove("delete credentials", s.credsPath) }

func (s *Store) setMarker(name string) error {
	if err := os.WriteFile(s.Path(name), []byte("1"), 0o644); err != nil {
		return fault.NewStorage("write "+name, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func remove(op, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.NewStorage(op, err)
	}
	return nil
}
