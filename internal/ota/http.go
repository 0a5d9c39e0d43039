package ota

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// HTTPOptions tunes an HTTPSource.
type HTTPOptions struct {
	Client          *http.Client
	ManifestTimeout time.Duration
	DownloadTimeout time.Duration
}

// HTTPSource serves updates from a plain HTTP(S) base URL such as a raw git host.
// Every request carries a random cache buster so edge caches never serve a stale
// manifest.
type HTTPSource struct {
	base            string
	client          *http.Client
	manifestTimeout time.Duration
	downloadTimeout time.Duration
}

// NewHTTPSource creates a source rooted at base.
func NewHTTPSource(base string, opts HTTPOptions) *HTTPSource {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = 10 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 15 * time.Second
	}
	return &HTTPSource{
		base:            strings.TrimRight(base, "/"),
		client:          opts.Client,
		manifestTimeout: opts.ManifestTimeout,
		downloadTimeout: opts.DownloadTimeout,
	}
}

func (h *HTTPSource) url(name string) string {
	return fmt.Sprintf("%s/%s?cb=%s", h.base, name, strconv.Itoa(rand.IntN(1<<24)))
}

func (h *HTTPSource) Manifest(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, h.manifestTimeout)
	defer cancel()

	body, err := h.get(ctx, ManifestName)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	m, err := decodeManifest(body)
	if err != nil {
		return nil, fault.NewTransient("fetch manifest", err)
	}
	return m, nil
}

func (h *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, h.downloadTimeout)
	body, err := h.get(ctx, name)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

func (h *HTTPSource) get(ctx context.Context, name string) (io.ReadCloser, error) {
	op := "fetch " + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(name), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fault.NewTransient(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fault.NewTransient(op, fmt.Errorf("status %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// cancelOnClose keeps the request context alive until the body is drained.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
