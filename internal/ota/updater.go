// Package ota detects, downloads and atomically installs newer versions of the
// node's tracked files, then reboots into them.
//
// Integrity is version-number trust only: a file is installed when the published
// version is strictly greater than the local one.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/r0bb10/ornament-node/internal/clock"
	"github.com/r0bb10/ornament-node/internal/fault"
	"github.com/r0bb10/ornament-node/internal/store"
)

// tempPrefix names the sibling file a download is written to before the swap.
const tempPrefix = "tmp_"

// ConfigStore persists the device config and the post-update bypass marker.
type ConfigStore interface {
	SaveConfig(cfg *store.DeviceConfig) error
	SetBypassMarker() error
}

// Journal records installs so a failed config persist can be reconciled on the
// next boot.
type Journal interface {
	RecordInstall(ctx context.Context, file string, version store.Version) error
	MarkPersisted(ctx context.Context) error
}

// Restarter restarts the device.
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// Status is the per-file result of a pass.
type Status uint8

const (
	Skipped Status = iota
	Installed
	Failed
)

func (s Status) String() string {
	switch s {
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome describes what happened to one tracked file.
type Outcome struct {
	Name   string
	Status Status
	Local  store.Version
	Remote store.Version
	Bytes  int64
	Err    error
}

// Report is the result of one update pass.
type Report struct {
	Outcomes []Outcome
	// Updated is true when at least one file was installed.
	Updated bool
	// ManifestErr is set when the manifest could not be fetched.
	ManifestErr error
	// PersistErr is set when the config could not be written after installs.
	PersistErr error
}

// Installed returns the names of the installed files.
func (r Report) Installed() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Status == Installed {
			names = append(names, o.Name)
		}
	}
	return names
}

// Options configures an Updater.
type Options struct {
	// Dir is where tracked files live.
	Dir string
	// RebootDelay lets buffered writes flush before the restart.
	RebootDelay time.Duration
	Journal     Journal
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Updater runs update passes against one Source.
type Updater struct {
	src       Source
	store     ConfigStore
	restarter Restarter
	dir       string
	delay     time.Duration
	journal   Journal
	clock     clock.Clock
	log       *slog.Logger
}

// New creates an Updater.
func New(src Source, st ConfigStore, restarter Restarter, opts Options) *Updater {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Updater{
		src:       src,
		store:     st,
		restarter: restarter,
		dir:       opts.Dir,
		delay:     opts.RebootDelay,
		journal:   opts.Journal,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// CheckAndUpdate runs one pass and, if anything was installed, reboots. It returns
// true when a reboot has been initiated; the caller must stop all other activity,
// since any further write could race the restart.
func (u *Updater) CheckAndUpdate(ctx context.Context, cfg *store.DeviceConfig) bool {
	rep := u.Check(ctx, cfg)
	if !rep.Updated {
		return false
	}

	u.log.Info("update installed, rebooting", "files", rep.Installed(), "delay", u.delay)
	_ = u.clock.Sleep(context.WithoutCancel(ctx), u.delay)
	if err := u.restarter.Restart(context.WithoutCancel(ctx), "ota update"); err != nil {
		u.log.Error("restart after update failed", "error", err)
	}
	return true
}

// Check fetches the manifest, installs every tracked file whose published version
// is newer, and on any install persists the version map and writes the bypass
// marker. It mutates cfg.Versions in place. Failures of one file never stop the
// others.
func (u *Updater) Check(ctx context.Context, cfg *store.DeviceConfig) Report {
	var rep Report
	if len(cfg.Files) == 0 {
		return rep
	}
	if cfg.Versions == nil {
		cfg.Versions = map[string]store.Version{}
	}

	manifest, err := u.src.Manifest(ctx)
	if err != nil {
		u.log.Warn("update check failed", "kind", fault.KindOf(err), "error", err)
		rep.ManifestErr = err
		return rep
	}

	for _, name := range cfg.Files {
		out := u.installOne(ctx, name, manifest, cfg.Versions)
		rep.Outcomes = append(rep.Outcomes, out)

		switch out.Status {
		case Installed:
			cfg.Versions[name] = out.Remote
			rep.Updated = true
			u.log.Info("file updated", "file", name, "from", float64(out.Local), "to", float64(out.Remote), "bytes", out.Bytes)
			if u.journal != nil {
				if err := u.journal.RecordInstall(ctx, name, out.Remote); err != nil {
					u.log.Warn("journal install failed", "file", name, "error", err)
				}
			}
		case Failed:
			u.log.Warn("file update failed", "file", name, "kind", fault.KindOf(out.Err), "error", out.Err)
		}
	}

	if !rep.Updated {
		u.log.Info("code is up to date")
		return rep
	}

	// Installed files are not rolled back if this fails; the journal lets the next
	// boot fold their versions back into the config.
	if err := u.store.SaveConfig(cfg); err != nil {
		rep.PersistErr = err
		u.log.Error("persist version map failed", "error", err)
	} else if u.journal != nil {
		if err := u.journal.MarkPersisted(ctx); err != nil {
			u.log.Warn("journal mark persisted failed", "error", err)
		}
	}

	if err := u.store.SetBypassMarker(); err != nil {
		u.log.Error("write bypass marker failed", "error", err)
	}
	return rep
}

func (u *Updater) installOne(ctx context.Context, name string, manifest Manifest, local map[string]store.Version) Outcome {
	out := Outcome{Name: name, Local: local[name]}

	if err := validName(name); err != nil {
		out.Status = Failed
		out.Err = err
		return out
	}

	remote, ok := manifest[name]
	if !ok {
		return out
	}
	out.Remote = remote
	if remote <= out.Local {
		return out
	}

	n, err := u.download(ctx, name)
	if err != nil {
		out.Status = Failed
		out.Err = err
		return out
	}
	out.Status = Installed
	out.Bytes = n
	return out
}

// download streams name into tmp_<name> and swaps it over the target only after the
// whole body was written. A failed transfer leaves the target untouched.
func (u *Updater) download(ctx context.Context, name string) (int64, error) {
	body, err := u.src.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	target := filepath.Join(u.dir, name)
	tmp := filepath.Join(u.dir, tempPrefix+name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fault.NewStorage("create "+tmp, err)
	}
	n, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fault.NewTransient("download "+name, err)
	}

	if err := store.ReplaceFile(tmp, target); err != nil {
		return 0, err
	}
	return n, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid tracked file name %q", name)
	}
	if strings.HasPrefix(name, tempPrefix) {
		return errors.New("tracked file name uses the reserved " + tempPrefix + " prefix")
	}
	return nil
}
