package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeyProvider yields the device-unique key used to encrypt the config at rest.
// The key is never transmitted or written to disk.
type KeyProvider interface {
	Key() ([]byte, error)
}

// StaticKey is a fixed key, used by tests and bench setups.
type StaticKey []byte

func (k StaticKey) Key() ([]byte, error) {
	if len(k) == 0 {
		return nil, errors.New("empty key")
	}
	return append([]byte(nil), k...), nil
}

// MachineIDKey derives the key from the systemd machine id.
type MachineIDKey struct {
	// Path defaults to /etc/machine-id.
	Path string
}

func (m MachineIDKey) Key() ([]byte, error) {
	path := m.Path
	if path == "" {
		path = "/etc/machine-id"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine id: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return nil, fmt.Errorf("machine id %s is empty", path)
	}
	if b, err := hex.DecodeString(id); err == nil {
		return b, nil
	}
	return []byte(id), nil
}

// xorKey applies the byte-wise cipher. It is its own inverse.
func xorKey(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}
