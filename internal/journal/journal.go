// Package journal keeps a small SQLite record of installed update files so that a
// version map which failed to persist after an install can be repaired on the next
// boot.
package journal

import (
	"context"
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/r0bb10/ornament-node/internal/fault"
	"github.com/r0bb10/ornament-node/internal/store"
)

// DefaultFile is the journal database name inside the data directory.
const DefaultFile = "installs.db"

// ConfigSaver persists the device config.
type ConfigSaver interface {
	SaveConfig(cfg *store.DeviceConfig) error
}

// Journal is the install record.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the journal at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("journal open", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.NewStorage("open journal", err)
	}
	// One writer; the driver goroutine is the only user.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fault.NewStorage("create journal schema", err)
	}
	return &Journal{db: db, log: logger}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordInstall adds an unpersisted row for file at version.
func (j *Journal) RecordInstall(ctx context.Context, file string, version store.Version) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO installs (file, version) VALUES (?, ?)`, file, float64(version))
	if err != nil {
		return fault.NewStorage("record install "+file, err)
	}
	return nil
}

// MarkPersisted flags every pending row as persisted.
func (j *Journal) MarkPersisted(ctx context.Context) error {
	res, err := j.db.ExecContext(ctx, `UPDATE installs SET persisted = 1 WHERE persisted = 0`)
	if err != nil {
		return fault.NewStorage("mark installs persisted", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		j.log.Debug("journal rows persisted", "rows", n)
	}
	return nil
}

// Pending lists the rows whose version never reached the persisted config, oldest
// first.
func (j *Journal) Pending(ctx context.Context) ([]Install, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, file, version, installed_at, persisted
		FROM installs WHERE persisted = 0 ORDER BY id`)
	if err != nil {
		return nil, fault.NewStorage("query pending installs", err)
	}
	defer rows.Close()

	var out []Install
	for rows.Next() {
		var in Install
		if err := rows.Scan(&in.ID, &in.File, &in.Version, &in.InstalledAt, &in.Persisted); err != nil {
			return nil, fault.NewStorage("scan install", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.NewStorage("read installs", err)
	}
	return out, nil
}

// Reconcile folds pending installs into cfg. Any pending version newer than the
// config's entry is written into cfg.Versions and the config re-persisted through
// saver. Rows are marked persisted once the config on disk agrees with them. It
// reports whether cfg changed.
func (j *Journal) Reconcile(ctx context.Context, cfg *store.DeviceConfig, saver ConfigSaver) (bool, error) {
	pending, err := j.Pending(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}
	if cfg.Versions == nil {
		cfg.Versions = map[string]store.Version{}
	}

	changed := false
	for _, in := range pending {
		v := store.Version(in.Version)
		if v > cfg.Versions[in.File] {
			j.log.Info("recovering unpersisted install", "file", in.File, "version", in.Version, "installed_at", in.InstalledAt)
			cfg.Versions[in.File] = v
			changed = true
		}
	}

	if changed {
		if err := saver.SaveConfig(cfg); err != nil {
			return true, fault.Wrap(err, "persist reconciled config")
		}
	}
	return changed, j.MarkPersisted(ctx)
}
