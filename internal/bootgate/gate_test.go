package bootgate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/r0bb10/ornament-node/internal/store"
)

type fakeBlinker struct{ count int }

func (b *fakeBlinker) Blink(_ context.Context, count int, _ time.Duration) error {
	b.count += count
	return nil
}

type fakeRestarter struct{ reasons []string }

func (r *fakeRestarter) Restart(_ context.Context, reason string) error {
	r.reasons = append(r.reasons, reason)
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestGate_StateTable(t *testing.T) {
	tests := []struct {
		name        string
		bypass      bool
		bootMarker  bool
		credentials bool

		want            State
		wantBootMarker  bool
		wantBypass      bool
		wantCredentials bool
		wantRestart     bool
	}{
		{
			name: "bypass with boot marker", bypass: true, bootMarker: true, credentials: true,
			want: Bypass, wantCredentials: true,
		},
		{
			name: "bypass without boot marker", bypass: true, credentials: true,
			want: Bypass, wantCredentials: true,
		},
		{
			name: "double reset wipes", bootMarker: true, credentials: true,
			want: Wipe, wantRestart: true,
		},
		{
			name: "credentials arm the marker", credentials: true,
			want: Arm, wantBootMarker: true, wantCredentials: true,
		},
		{
			name: "no credentials is setup",
			want: Setup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := store.Open(store.Options{Dir: t.TempDir(), Logger: quiet()})
			if err != nil {
				t.Fatal(err)
			}
			if tt.bypass {
				must(t, s.SetBypassMarker())
			}
			if tt.bootMarker {
				must(t, s.SetBootMarker())
			}
			if tt.credentials {
				must(t, os.WriteFile(s.Path(store.CredentialsFile), []byte("net"), 0o600))
			}

			led := &fakeBlinker{}
			rs := &fakeRestarter{}
			got := New(s, led, rs, Config{}, quiet()).Run(context.Background())

			if got != tt.want {
				t.Fatalf("state = %v, want %v", got, tt.want)
			}
			if s.HasBootMarker() != tt.wantBootMarker {
				t.Errorf("boot marker = %v, want %v", s.HasBootMarker(), tt.wantBootMarker)
			}
			if s.HasBypassMarker() != tt.wantBypass {
				t.Errorf("bypass marker = %v, want %v", s.HasBypassMarker(), tt.wantBypass)
			}
			if s.HasCredentials() != tt.wantCredentials {
				t.Errorf("credentials = %v, want %v", s.HasCredentials(), tt.wantCredentials)
			}
			if (len(rs.reasons) == 1) != tt.wantRestart || len(rs.reasons) > 1 {
				t.Errorf("restarts = %v, want restart=%v", rs.reasons, tt.wantRestart)
			}
			if tt.want == Wipe && led.count != 15 {
				t.Errorf("blink count = %d, want 15", led.count)
			}
			if got.Proceeds() == (tt.want == Wipe) {
				t.Errorf("Proceeds() = %v for %v", got.Proceeds(), got)
			}
		})
	}
}

func TestGate_DoubleResetSequence(t *testing.T) {
	s, err := store.Open(store.Options{Dir: t.TempDir(), Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	must(t, os.WriteFile(s.Path(store.CredentialsFile), []byte("net"), 0o600))
	rs := &fakeRestarter{}
	g := New(s, nil, rs, Config{}, quiet())

	// Boot 1 arms, boot 2 (before the stability task cleared it) wipes,
	// boot 3 finds nothing and goes to setup.
	want := []State{Arm, Wipe, Setup}
	for i, w := range want {
		if got := g.Run(context.Background()); got != w {
			t.Fatalf("boot %d: state = %v, want %v", i+1, got, w)
		}
	}
	if len(rs.reasons) != 1 {
		t.Fatalf("restarts = %d, want 1", len(rs.reasons))
	}
}

// failingMarkers makes every write fail; the gate must still decide.
type failingMarkers struct{ boot bool }

func (f failingMarkers) HasBypassMarker() bool    { return false }
func (f failingMarkers) ClearBypassMarker() error { return errors.New("ro fs") }
func (f failingMarkers) HasBootMarker() bool      { return f.boot }
func (f failingMarkers) SetBootMarker() error     { return errors.New("ro fs") }
func (f failingMarkers) ClearBootMarker() error   { return errors.New("ro fs") }
func (f failingMarkers) HasCredentials() bool     { return true }
func (f failingMarkers) DeleteCredentials() error { return errors.New("ro fs") }

func TestGate_SwallowsStorageErrors(t *testing.T) {
	rs := &fakeRestarter{}
	if got := New(failingMarkers{}, nil, rs, Config{}, quiet()).Run(context.Background()); got != Arm {
		t.Fatalf("state = %v, want ARM", got)
	}
	if got := New(failingMarkers{boot: true}, nil, rs, Config{}, quiet()).Run(context.Background()); got != Wipe {
		t.Fatalf("state = %v, want WIPE", got)
	}
	if len(rs.reasons) != 1 {
		t.Fatalf("restart should still be invoked, got %v", rs.reasons)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
