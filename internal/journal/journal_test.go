package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/r0bb10/ornament-node/internal/store"
)

type recordingSaver struct {
	saved []*store.DeviceConfig
	err   error
}

func (r *recordingSaver) SaveConfig(cfg *store.DeviceConfig) error {
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, cfg.Clone())
	return nil
}

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), DefaultFile), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndMarkPersisted(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)

	if err := j.RecordInstall(ctx, "main.py", 2.5); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordInstall(ctx, "led.py", 1); err != nil {
		t.Fatal(err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].File != "main.py" || pending[0].Version != 2.5 || pending[0].Persisted {
		t.Fatalf("pending = %+v", pending)
	}

	if err := j.MarkPersisted(ctx); err != nil {
		t.Fatal(err)
	}
	pending, err = j.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after mark = %+v", pending)
	}
}

func TestJournal_Reconcile(t *testing.T) {
	tests := []struct {
		name        string
		installs    map[string]store.Version
		local       map[string]store.Version
		wantChanged bool
		wantSaves   int
		want        map[string]store.Version
	}{
		{
			name:        "nothing pending",
			local:       map[string]store.Version{"main.py": 1},
			wantChanged: false,
			want:        map[string]store.Version{"main.py": 1},
		},
		{
			name:        "unpersisted install is folded in",
			installs:    map[string]store.Version{"main.py": 3},
			local:       map[string]store.Version{"main.py": 1, "led.py": 1},
			wantChanged: true,
			wantSaves:   1,
			want:        map[string]store.Version{"main.py": 3, "led.py": 1},
		},
		{
			name:        "config already ahead",
			installs:    map[string]store.Version{"main.py": 2},
			local:       map[string]store.Version{"main.py": 4},
			wantChanged: false,
			want:        map[string]store.Version{"main.py": 4},
		},
		{
			name:        "file missing from config",
			installs:    map[string]store.Version{"new.py": 0.5},
			local:       map[string]store.Version{},
			wantChanged: true,
			wantSaves:   1,
			want:        map[string]store.Version{"new.py": 0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			j := openTest(t)
			for f, v := range tt.installs {
				if err := j.RecordInstall(ctx, f, v); err != nil {
					t.Fatal(err)
				}
			}
			cfg := store.DefaultConfig()
			for f, v := range tt.local {
				cfg.Versions[f] = v
			}
			saver := &recordingSaver{}

			changed, err := j.Reconcile(ctx, cfg, saver)
			if err != nil {
				t.Fatal(err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if len(saver.saved) != tt.wantSaves {
				t.Errorf("saves = %d, want %d", len(saver.saved), tt.wantSaves)
			}
			if len(cfg.Versions) != len(tt.want) {
				t.Fatalf("versions = %v, want %v", cfg.Versions, tt.want)
			}
			for f, v := range tt.want {
				if cfg.Versions[f] != v {
					t.Errorf("%s = %v, want %v", f, cfg.Versions[f], v)
				}
			}

			pending, _ := j.Pending(ctx)
			if len(pending) != 0 {
				t.Errorf("rows left pending: %+v", pending)
			}
		})
	}
}

func TestJournal_ReconcileKeepsRowsWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)
	if err := j.RecordInstall(ctx, "main.py", 2); err != nil {
		t.Fatal(err)
	}
	cfg := store.DefaultConfig()
	saver := &recordingSaver{err: errors.New("disk full")}

	changed, err := j.Reconcile(ctx, cfg, saver)
	if err == nil || !changed {
		t.Fatalf("changed=%v err=%v, want change and error", changed, err)
	}
	pending, _ := j.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want the row kept for the next boot", pending)
	}
}

func TestJournal_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFile)

	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.RecordInstall(ctx, "main.py", 7); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Version != 7 {
		t.Fatalf("pending = %+v", pending)
	}
}
