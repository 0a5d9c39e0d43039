package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/r0bb10/ornament-node/internal/store"
)

// ManifestName is the remote file listing the published version of every file.
const ManifestName = "versions.json"

// Manifest maps a tracked filename to its published version. It is fetched per
// check and discarded afterwards.
type Manifest map[string]store.Version

// Source is where updates are published. Exactly one source is active.
type Source interface {
	// Manifest fetches the current remote manifest.
	Manifest(ctx context.Context) (Manifest, error)
	// Open streams the published content of name. The caller closes the reader.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

func decodeManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode manifest: not a JSON object")
	}
	return m, nil
}
