package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"
	"github.com/matheus3301/spark/internal/bus"
	"github.com/matheus3301/spark/internal/cache"
	"github.com/matheus3301/spark/internal/config"
	"github.com/matheus3301/spark/internal/kv"
	"github.com/matheus3301/spark/internal/lock"
	"github.com/matheus3301/spark/internal/outbox"
	"github.com/matheus3301/spark/internal/profile"
	"github.com/matheus3301/spark/internal/realtime"
	"github.com/matheus3301/spark/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// shortTempDir keeps unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func healthClient(t *testing.T, socketPath string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.Status
}

func TestControlServerHealth(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t, "spark-ctl-*"), "d.sock")

	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	client := healthClient(t, socketPath)
	eventually(t, func() bool { return check(client, "") == healthpb.HealthCheckResponse_SERVING })
	if got := check(client, RealtimeService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("realtime = %v, want NOT_SERVING", got)
	}

	srv.SetOnline(true)
	if got := check(client, RealtimeService); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("realtime after SetOnline(true) = %v, want SERVING", got)
	}
	srv.SetOnline(false)
	if got := check(client, RealtimeService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("realtime after SetOnline(false) = %v, want NOT_SERVING", got)
	}
}

// TestNewServerRemovesStaleSocket covers a daemon restarting after a crash
// left daemon.sock behind.
func TestNewServerRemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t, "spark-stale-*"), "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() with stale socket error = %v", err)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket not removed on Stop: %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := bus.New()
	machine := status.NewMachine(b)
	c := cache.New(cache.Options{}, nil)
	t.Cleanup(c.Destroy)
	q := outbox.New(kv.NewMemory(), nil, c, b, outbox.NewMetrics(reg), nil, outbox.Options{})
	t.Cleanup(q.Destroy)

	ms := NewMetricsServer("127.0.0.1:0", reg, machine, q, zap.NewNop())
	ts := httptest.NewServer(ms.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(body.String(), "spark_outbox_pending") {
		t.Errorf("/metrics missing spark_outbox_pending:\n%s", body.String())
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz while booting = %d, want 503", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if health.State != string(status.Booting) {
		t.Errorf("state = %q, want BOOTING", health.State)
	}

	if err := machine.Connected(); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz while online = %d, want 200", resp.StatusCode)
	}
}

// flakyChannel fails the first failures Connect calls.
type flakyChannel struct {
	*realtime.Dispatcher
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("dial refused")
	}
	f.Dispatch(realtime.ConnectionEvent{Connected: true})
	return nil
}

func (f *flakyChannel) Disconnect() error {
	f.Dispatch(realtime.ConnectionEvent{Connected: false, Reason: realtime.ReasonClientDisconnect})
	return nil
}

func (f *flakyChannel) Connected() bool { return false }

type onlineRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *onlineRecorder) SetOnlineStatus(online bool) {
	r.mu.Lock()
	r.values = append(r.values, online)
	r.mu.Unlock()
}

func (r *onlineRecorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return false, false
	}
	return r.values[len(r.values)-1], true
}

func TestWatcherRetriesInitialConnect(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	ch := &flakyChannel{Dispatcher: realtime.NewDispatcher(nil), failures: 2}
	rec := &onlineRecorder{}
	var healthMu sync.Mutex
	healthy := false

	w := newWatcher(ch, machine, b, rec, func(online bool) {
		healthMu.Lock()
		healthy = online
		healthMu.Unlock()
	}, true, time.Millisecond, 4*time.Millisecond, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()

	eventually(t, func() bool { return machine.Current() == status.Online })
	eventually(t, func() bool {
		v, ok := rec.last()
		return ok && v
	})
	eventually(t, func() bool {
		healthMu.Lock()
		defer healthMu.Unlock()
		return healthy
	})

	ch.mu.Lock()
	if ch.calls != 3 {
		t.Errorf("Connect calls = %d, want 3", ch.calls)
	}
	ch.mu.Unlock()
}

func TestWatcherFollowsDisconnects(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	ch := &flakyChannel{Dispatcher: realtime.NewDispatcher(nil)}
	rec := &onlineRecorder{}

	w := newWatcher(ch, machine, b, rec, nil, true, time.Millisecond, time.Millisecond, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()
	eventually(t, func() bool { return machine.Current() == status.Online })

	ch.Dispatch(realtime.ConnectionEvent{Connected: false, Reason: "closed: 1006"})
	if got := machine.Current(); got != status.Reconnecting {
		t.Errorf("after unexpected drop = %v, want RECONNECTING", got)
	}
	eventually(t, func() bool {
		v, ok := rec.last()
		return ok && !v
	})

	ch.Dispatch(realtime.ConnectionEvent{Connected: true})
	_ = ch.Disconnect()
	if got := machine.Current(); got != status.Offline {
		t.Errorf("after client disconnect = %v, want OFFLINE", got)
	}
}

func TestWatcherExhaustedReconnectGoesOffline(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	ch := &flakyChannel{Dispatcher: realtime.NewDispatcher(nil)}
	rec := &onlineRecorder{}

	w := newWatcher(ch, machine, b, rec, nil, true, time.Millisecond, time.Millisecond, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()
	eventually(t, func() bool { return machine.Current() == status.Online })

	ch.Dispatch(realtime.ConnectionEvent{Connected: false, Reason: "closed: 1006"})
	if got := machine.Current(); got != status.Reconnecting {
		t.Fatalf("after drop = %v, want RECONNECTING", got)
	}
	ch.Dispatch(realtime.ConnectionEvent{Connected: false, Reason: realtime.ReasonReconnectExhausted})
	if got := machine.Current(); got != status.Offline {
		t.Errorf("after exhausted reconnects = %v, want OFFLINE", got)
	}
	eventually(t, func() bool {
		v, ok := rec.last()
		return ok && !v
	})
}

func TestWatcherWithoutReconnectGoesOffline(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	ch := &flakyChannel{Dispatcher: realtime.NewDispatcher(nil), failures: 1}

	w := newWatcher(ch, machine, b, &onlineRecorder{}, nil, false, time.Millisecond, time.Millisecond, zap.NewNop())
	w.Start(context.Background())
	defer w.Stop()

	eventually(t, func() bool { return machine.Current() == status.Offline })
}

// fakeBackend serves the REST API and the realtime socket.
type fakeBackend struct {
	rest   *httptest.Server
	ws     *httptest.Server
	synced chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{synced: make(chan struct{}, 8)}

	r := chi.NewRouter()
	r.Get("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case fb.synced <- struct{}{}:
		default:
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	})
	r.Get("/conversations/unread", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	})
	fb.rest = httptest.NewServer(r)
	t.Cleanup(fb.rest.Close)

	upgrader := gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fb.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fb.ws.Close)
	return fb
}

// TestFxModuleWiring starts the whole daemon against a fake backend and
// checks that the dependency graph resolves, realtime health flips to
// SERVING once connected, a full sync runs and the lock is released on stop.
func TestFxModuleWiring(t *testing.T) {
	home := shortTempDir(t, "spark-fx-*")
	t.Setenv("SPARK_HOME", home)
	socketPath := filepath.Join(home, "d.sock")
	fb := newFakeBackend(t)

	cfg := config.Default()
	cfg.UserID = "me"
	cfg.Server.BaseURL = fb.rest.URL
	cfg.Server.RealtimeURL = "ws" + strings.TrimPrefix(fb.ws.URL, "http")
	cfg.Server.ReconnectBaseDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Server.ReconnectMaxDelay = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Storage.Backend = "memory"
	cfg.Sync.Interval = config.Duration{Duration: -1}

	app := fxtest.New(t, Module(Params{
		Profile:    "fxtest",
		SocketPath: socketPath,
		Config:     cfg,
		Quiet:      true,
	}))
	app.RequireStart()

	client := healthClient(t, socketPath)
	eventually(t, func() bool { return check(client, RealtimeService) == healthpb.HealthCheckResponse_SERVING })

	select {
	case <-fb.synced:
	case <-time.After(3 * time.Second):
		t.Fatal("no full sync after connecting")
	}

	if _, err := os.Stat(profile.LogPath("fxtest")); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	app.RequireStop()

	l, err := lock.Acquire(profile.Dir("fxtest"))
	if err != nil {
		t.Fatalf("lock not released on stop: %v", err)
	}
	_ = l.Release()
}

func TestFxModuleRejectsInvalidConfig(t *testing.T) {
	home := shortTempDir(t, "spark-bad-*")
	t.Setenv("SPARK_HOME", home)

	cfg := config.Default()
	cfg.Sync.Policy = "newest"
	app := fx.New(fx.NopLogger, Module(Params{
		Profile:    "bad",
		SocketPath: filepath.Join(home, "d.sock"),
		Config:     cfg,
		Quiet:      true,
	}))
	if err := app.Err(); err == nil {
		t.Fatal("expected fx graph error for invalid config")
	}
}
