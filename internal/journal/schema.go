package journal

// Schema creates the installs table. A row is written for every file swapped in by
// an update pass and flagged persisted once the version map reached disk.
const Schema = `
CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file TEXT NOT NULL,
    version REAL NOT NULL,
    installed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    persisted INTEGER NOT NULL DEFAULT 0 CHECK(persisted IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_installs_persisted ON installs(persisted);
`

// Install is one journal row.
type Install struct {
	ID          int64
	File        string
	Version     float64
	InstalledAt string
	Persisted   bool
}
