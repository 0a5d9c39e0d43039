package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/r0bb10/ornament-node/internal/clock"
	"github.com/r0bb10/ornament-node/internal/mqttbus"
	"github.com/r0bb10/ornament-node/internal/settings"
	"github.com/r0bb10/ornament-node/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *fakeRestarter) Restart(_ context.Context, reason string) error {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	return nil
}

type fakeProvisioner struct {
	err   error
	calls int
}

func (p *fakeProvisioner) Connect(context.Context) error {
	p.calls++
	return p.err
}

type fakeTimeSync struct{ calls int }

func (s *fakeTimeSync) Sync(context.Context) error {
	s.calls++
	return nil
}

type fakeLED struct {
	blinks int
	last   int
}

func (l *fakeLED) SetBrightness(v int) error {
	l.last = v
	return nil
}

func (l *fakeLED) Blink(_ context.Context, count int, _ time.Duration) error {
	l.blinks += count
	return nil
}

// scriptedTouch reads idle during calibration, then runs hook on every later read.
type scriptedTouch struct {
	reads int
	hook  func(n int) int
}

func (t *scriptedTouch) Read() (int, error) {
	t.reads++
	if t.reads <= 20 {
		return 900, nil
	}
	return t.hook(t.reads - 20), nil
}

type fakeBus struct {
	onConnect func()
	handler   mqttbus.Handler
	lost      func(error)
	open      bool
	connects  int
	subs      []string
	published []string
}

func (b *fakeBus) Connect(context.Context) error {
	b.open = true
	b.connects++
	if b.onConnect != nil {
		b.onConnect()
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topic string) error {
	b.subs = append(b.subs, topic)
	return nil
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.published = append(b.published, topic+"="+string(payload))
	return nil
}

func (b *fakeBus) Disconnect()                     { b.open = false }
func (b *fakeBus) IsConnected() bool               { return b.open }
func (b *fakeBus) SetHandler(h mqttbus.Handler)    { b.handler = h }
func (b *fakeBus) OnConnectionLost(fn func(error)) { b.lost = fn }

// updateServer serves a manifest whose version can be bumped mid-test.
type updateServer struct {
	mu      sync.Mutex
	version float64
	body    string
}

func (u *updateServer) set(version float64, body string) {
	u.mu.Lock()
	u.version, u.body = version, body
	u.mu.Unlock()
}

func (u *updateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch r.URL.Path {
	case "/versions.json":
		json.NewEncoder(w).Encode(map[string]float64{"main.py": u.version})
	case "/main.py":
		io.WriteString(w, u.body)
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	t           *testing.T
	settings    *settings.Settings
	clock       *clock.Manual
	restarter   *fakeRestarter
	provisioner *fakeProvisioner
	timeSync    *fakeTimeSync
	led         *fakeLED
	touch       *scriptedTouch
	bus         *fakeBus
	server      *updateServer
	cancel      context.CancelFunc
	ctx         context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := settings.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.DataDir = t.TempDir()
	s.GPIOEnabled = false
	settings.Normalize(s)

	h := &harness{
		t:           t,
		settings:    s,
		clock:       clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		restarter:   &fakeRestarter{},
		provisioner: &fakeProvisioner{},
		timeSync:    &fakeTimeSync{},
		server:      &updateServer{version: 1, body: "v1"},
	}
	srv := httptest.NewServer(h.server)
	t.Cleanup(srv.Close)

	h.writeConfig(srv.URL)
	h.write("main.py", "v1")
	h.write(store.CredentialsFile, "ssid:pass")
	return h
}

func (h *harness) write(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.settings.DataDir, name), []byte(content), 0o600); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) exists(name string) bool {
	_, err := os.Stat(filepath.Join(h.settings.DataDir, name))
	return err == nil
}

func (h *harness) writeConfig(updateURL string) {
	h.t.Helper()
	cfg := store.DefaultConfig()
	cfg.URL = "wss://broker.example.com/mqtt"
	cfg.SubTopics = []string{"lights/all"}
	cfg.PubTopic = "tree/touch"
	cfg.Files = []string{"main.py"}
	cfg.Versions["main.py"] = 1
	cfg.UpdateURL = updateURL
	b, err := json.Marshal(cfg)
	if err != nil {
		h.t.Fatal(err)
	}
	h.write(store.PlainConfigFile, string(b))
}

// boot builds a fresh App over the same data directory, as a reboot would.
func (h *harness) boot(hook func(n int) int) *App {
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.t.Cleanup(h.cancel)
	h.led = &fakeLED{}
	h.touch = &scriptedTouch{hook: hook}
	h.bus = &fakeBus{}
	return New(h.settings, Deps{
		Clock:       h.clock,
		Key:         store.StaticKey("test-key"),
		Restarter:   h.restarter,
		Provisioner: h.provisioner,
		TimeSync:    h.timeSync,
		OpenHardware: func() (*Hardware, error) {
			return &Hardware{Touch: h.touch, LED: h.led, Close: func() error { return nil }}, nil
		},
		NewBus: func(*store.DeviceConfig) Bus { return h.bus },
	}, discard)
}

func TestApp_SteadyState(t *testing.T) {
	h := newHarness(t)
	app := h.boot(func(n int) int {
		if n == 150 {
			h.cancel()
		}
		return 100
	})

	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}

	if len(h.restarter.reasons) != 0 {
		t.Fatalf("unexpected restarts: %v", h.restarter.reasons)
	}
	if h.provisioner.calls != 1 || h.timeSync.calls != 1 {
		t.Fatalf("provision=%d timesync=%d", h.provisioner.calls, h.timeSync.calls)
	}
	want := []string{"lights/all", "tree/cmd/update"}
	if len(h.bus.subs) != 2 || h.bus.subs[0] != want[0] || h.bus.subs[1] != want[1] {
		t.Fatalf("subs = %v, want %v", h.bus.subs, want)
	}
	if len(h.bus.published) != 2 || h.bus.published[0] != "tree/touch=100" {
		t.Fatalf("published = %v, want two rate-limited touch events", h.bus.published)
	}
	if h.exists(store.BootMarkerFile) {
		t.Fatal("stability task should clear the boot marker")
	}
	if h.bus.open {
		t.Fatal("bus should be closed on shutdown")
	}
	if h.led.last != 0 {
		t.Fatal("led should be dark after shutdown")
	}
}

func TestApp_ConnectionLostReconnectsOnNextTick(t *testing.T) {
	h := newHarness(t)
	var connectsAfterLoss int
	app := h.boot(func(n int) int {
		switch n {
		case 20:
			// Only the callback reports the loss; the fake session still looks open.
			h.bus.lost(errors.New("EOF"))
		case 21:
			connectsAfterLoss = h.bus.connects
		case 25:
			h.cancel()
		}
		return 900
	})

	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}
	if connectsAfterLoss != 2 {
		t.Fatalf("connects on the tick after the loss = %d, want 2", connectsAfterLoss)
	}
	if len(h.bus.subs) != 4 {
		t.Fatalf("subs = %v, want both topics subscribed twice", h.bus.subs)
	}
}

func TestApp_StartupUpdateThenBypassBoot(t *testing.T) {
	h := newHarness(t)
	h.server.set(2, "v2")

	app := h.boot(func(int) int { panic("scheduler must not start") })
	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}
	if len(h.restarter.reasons) != 1 {
		t.Fatalf("restarts = %v, want exactly one", h.restarter.reasons)
	}
	if b, _ := os.ReadFile(filepath.Join(h.settings.DataDir, "main.py")); string(b) != "v2" {
		t.Fatalf("main.py = %q", b)
	}
	if !h.exists(store.BypassMarkerFile) || !h.exists(store.BootMarkerFile) {
		t.Fatal("bypass and boot markers should both be on disk before the reboot")
	}

	// Next boot: the gate must not treat the pending boot marker as a double reset.
	app = h.boot(func(n int) int {
		h.cancel()
		return 900
	})
	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("second Main() = %v", err)
	}
	if !h.exists(store.CredentialsFile) {
		t.Fatal("credentials must survive the post-update boot")
	}
	if h.exists(store.BypassMarkerFile) {
		t.Fatal("bypass marker should be consumed")
	}
	if len(h.restarter.reasons) != 1 {
		t.Fatalf("restarts = %v after bypass boot", h.restarter.reasons)
	}
}

func TestApp_RemoteUpdateCommand(t *testing.T) {
	h := newHarness(t)
	app := h.boot(func(n int) int {
		if n == 10 {
			h.server.set(3, "v3")
			h.bus.handler("tree/cmd/update", nil)
		}
		if n > 50 {
			t.Error("loop kept running after the update")
			h.cancel()
		}
		return 900
	})

	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}
	if len(h.restarter.reasons) != 1 || h.restarter.reasons[0] != "ota update" {
		t.Fatalf("restarts = %v", h.restarter.reasons)
	}
	if h.bus.open {
		t.Fatal("bus should be disconnected before updating")
	}
	persisted := store.DeviceConfig{}
	b, _ := os.ReadFile(filepath.Join(h.settings.DataDir, store.PlainConfigFile))
	if err := json.Unmarshal(b, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Versions["main.py"] != 3 {
		t.Fatalf("persisted versions = %v", persisted.Versions)
	}
}

func TestApp_DoubleResetWipes(t *testing.T) {
	h := newHarness(t)
	h.write(store.BootMarkerFile, "1")

	app := h.boot(func(int) int { panic("must not run") })
	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}
	if h.exists(store.CredentialsFile) || h.exists(store.BootMarkerFile) {
		t.Fatal("credentials and boot marker should be gone")
	}
	if h.led.blinks != 15 {
		t.Fatalf("blinks = %d, want 15", h.led.blinks)
	}
	if len(h.restarter.reasons) != 1 || h.provisioner.calls != 0 {
		t.Fatalf("restarts=%v provision=%d", h.restarter.reasons, h.provisioner.calls)
	}
}

func TestApp_FatalErrorRestartsAfterDelay(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		h := newHarness(t)
		h.provisioner.err = errors.New("no network")
		app := h.boot(func(int) int { return 900 })

		start := h.clock.Now()
		if err := app.Main(h.ctx); err == nil {
			t.Fatal("Main() should report the fatal error")
		}
		if len(h.restarter.reasons) != 1 || h.restarter.reasons[0] != "fatal error" {
			t.Fatalf("restarts = %v", h.restarter.reasons)
		}
		if waited := h.clock.Now().Sub(start); waited < 5*time.Second {
			t.Fatalf("waited %v before restart, want 5s", waited)
		}
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness(t)
		app := h.boot(func(int) int { panic("sensor driver bug") })

		if err := app.Main(h.ctx); err == nil {
			t.Fatal("Main() should report the panic")
		}
		if len(h.restarter.reasons) != 1 {
			t.Fatalf("restarts = %v", h.restarter.reasons)
		}
	})
}

func TestApp_HardwareFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	app := h.boot(nil)
	app.deps.OpenHardware = func() (*Hardware, error) { return nil, errors.New("no gpiochip0") }
	// Null hardware never touches; stop once the bus is up.
	h.bus.onConnect = h.cancel

	if err := app.Main(h.ctx); err != nil {
		t.Fatalf("Main() = %v", err)
	}
	if len(h.bus.published) != 0 {
		t.Fatalf("published = %v", h.bus.published)
	}
}
