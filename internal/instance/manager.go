// Package instance decides, per logical instance id, how a browser is wired
// to the network and tracks the live instances.
//
// For every launch the manager picks one of three topologies:
//
//   - direct: the browser's own debug server is what callers reach. Used for
//     loopback binds, and for headless browsers on any bind (they accept
//     --remote-debugging-address);
//   - reverse: a listener on the requested address forwards HTTP and
//     WebSocket traffic to the browser's loopback debug port;
//   - chained: independent of the above, a proxy subprocess is spawned first
//     when the launch carries host overrides or an upstream proxy, and the
//     browser's --proxy-server points at it.
//
// Launch is idempotent per id: concurrent and repeated launches share one
// start and receive the same *Instance.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/devtool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/treykane/chrome-server/internal/browser"
	"github.com/treykane/chrome-server/internal/events"
	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/procgroup"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/supervisor"
	"github.com/treykane/chrome-server/internal/util"
)

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts browser.Options) (browser.Process, error)
}

// Spawner starts proxy subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, table *routing.Table) (*supervisor.Subprocess, error)
}

// Recorder receives lifecycle events.
type Recorder interface {
	Append(evt events.Event) error
}

// LaunchOptions describe one instance.
type LaunchOptions struct {
	// Bind is the address remote callers use; empty means loopback.
	Bind string
	// Port fixes the caller-visible debug port; 0 picks one.
	Port  int
	Flags []string
	Chain model.ProxyChain
	// ProxyServer points the browser at an existing proxy. Ignored when
	// Chain spawns a subprocess.
	ProxyServer      string
	PACURL           string
	Extensions       []string
	IgnoreCertErrors bool
	// ForceProxy requests a reverse listener even for a loopback bind.
	ForceProxy bool
}

// Config configures a Manager.
type Config struct {
	Launcher Launcher
	Spawner  Spawner
	// ForceProxy applies LaunchOptions.ForceProxy to every launch.
	ForceProxy bool
	// DefaultUpstream is the chain fallback when a launch names none.
	DefaultUpstream *model.Address
	// Flags are prepended to every launch's flags.
	Flags []string
	// KillGrace bounds each kill issued by KillAll.
	KillGrace time.Duration
	Events    Recorder
	// RuntimeFile receives a JSON snapshot of live instances; empty disables.
	RuntimeFile string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Manager owns the live-instance table.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	group singleflight.Group

	mu       sync.Mutex
	live     map[string]*Instance
	starting map[string]chan struct{}
}

// NewManager creates a manager. Launcher is required; Spawner is needed only
// for chained launches.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = util.KillGrace
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "instances"),
		live:     make(map[string]*Instance),
		starting: make(map[string]chan struct{}),
	}
}

// Launch starts the instance id, or returns it when it is already starting
// or running. An empty id is replaced with a generated one. On failure
// nothing is registered and every dependency already started is stopped.
func (m *Manager) Launch(ctx context.Context, id string, opts LaunchOptions) (*Instance, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if inst := m.Get(id); inst != nil {
		return inst, nil
	}
	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.Lock()
		if inst, ok := m.live[id]; ok {
			m.mu.Unlock()
			return inst, nil
		}
		done := make(chan struct{})
		m.starting[id] = done
		m.mu.Unlock()

		defer func() {
			m.mu.Lock()
			delete(m.starting, id)
			m.mu.Unlock()
			close(done)
		}()

		m.record(events.Event{InstanceID: id, EventType: events.LaunchRequested, State: model.InstanceStarting, Chain: opts.Chain.Kind.String()})
		inst, err := m.start(ctx, id, opts)
		if err != nil {
			m.log.Warn("launch failed", "id", id, "error", err)
			m.record(events.Event{InstanceID: id, EventType: events.LaunchFailed, State: model.InstanceAbsent, Message: err.Error()})
			return nil, err
		}

		m.mu.Lock()
		m.live[id] = inst
		m.mu.Unlock()
		rt := inst.Runtime()
		m.log.Info("instance running", "id", id, "pid", rt.PID, "debug_port", rt.DebugPort, "chain", rt.Chain)
		m.record(events.Event{InstanceID: id, EventType: events.Launched, State: model.InstanceRunning, Chain: rt.Chain, PID: rt.PID, ProxyPID: rt.ProxyPID, DebugPort: rt.DebugPort})
		m.persist()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// start builds the topology for one launch, undoing partial work on error.
func (m *Manager) start(ctx context.Context, id string, opts LaunchOptions) (_ *Instance, err error) {
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	bopts := browser.Options{
		Flags:            append(append([]string(nil), m.cfg.Flags...), opts.Flags...),
		ProxyServer:      opts.ProxyServer,
		PACURL:           opts.PACURL,
		Extensions:       opts.Extensions,
		IgnoreCertErrors: opts.IgnoreCertErrors,
	}
	inst := &Instance{
		ID:       id,
		Bind:     util.NormalizeAddr(opts.Bind, util.LoopbackHost),
		Headless: bopts.Headless(),
		Chain:    opts.Chain,
	}

	if opts.Chain.Enabled() {
		if m.cfg.Spawner == nil {
			return nil, fault.New(fault.ProcessStartupFailure, "launch "+id, "no proxy supervisor configured", nil)
		}
		upstream := opts.Chain.Upstream
		if upstream == nil {
			upstream = m.cfg.DefaultUpstream
		}
		sub, err := m.cfg.Spawner.Spawn(ctx, routing.New(opts.Chain.Rules, upstream))
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = sub.Kill(context.Background()) })
		inst.proxy = sub
		bopts.ProxyServer = "http://" + sub.Address.HostPort()
	}

	loopback := util.IsLoopback(inst.Bind)
	force := m.cfg.ForceProxy || opts.ForceProxy
	if !force && (loopback || inst.Headless) {
		bopts.Port = opts.Port
		if !loopback {
			bopts.DebugAddress = inst.Bind
		}
		proc, err := m.cfg.Launcher.Launch(ctx, bopts)
		if err != nil {
			return nil, err
		}
		inst.browser = proc
		inst.debugPort = proc.Port()
	} else {
		addr := net.JoinHostPort(inst.Bind, strconv.Itoa(opts.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fault.New(fault.ProcessStartupFailure, "launch "+id, "reverse listener "+addr, err)
		}
		undo = append(undo, func() { _ = ln.Close() })
		proc, err := m.cfg.Launcher.Launch(ctx, bopts)
		if err != nil {
			return nil, err
		}
		inst.browser = proc
		inst.reverse = startReverseListener(ln, proc.Port(), m.log.With("id", id))
		inst.debugPort = inst.reverse.Port()
	}

	inst.StartedAt = time.Now()
	inst.release = func() { m.remove(id, inst) }
	return inst, nil
}

func (m *Manager) remove(id string, inst *Instance) {
	m.mu.Lock()
	if cur, ok := m.live[id]; ok && cur == inst {
		delete(m.live, id)
	}
	m.mu.Unlock()
	m.persist()
}

// Kill releases the instance id. The instance leaves the live table as soon
// as the kill is issued. A kill for an id that is still starting waits for
// the start to finish first. Killing an absent id is a no-op.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	pending := m.starting[id]
	m.mu.Unlock()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst := m.Get(id)
	if inst == nil {
		return nil
	}
	err := inst.Kill(ctx)
	if errors.Is(err, fault.ErrPartialTeardownTimeout) {
		m.log.Warn("instance teardown timed out", "id", id, "error", err)
		m.record(events.Event{InstanceID: id, EventType: events.KillTimeout, State: model.InstanceKilled, PID: inst.PID(), Message: err.Error()})
		return err
	}
	m.log.Info("instance killed", "id", id, "error", err)
	m.record(events.Event{InstanceID: id, EventType: events.Killed, State: model.InstanceKilled, PID: inst.PID()})
	return err
}

// KillAll kills every live instance concurrently, each bounded by the
// configured grace period. The returned error joins the failures.
func (m *Manager) KillAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			kctx, cancel := context.WithTimeout(ctx, m.cfg.KillGrace)
			defer cancel()
			if err := m.Kill(kctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// AddRoute pushes a routing entry to the proxy subprocess of instance id.
func (m *Manager) AddRoute(id, domain, ip string, port int) error {
	inst := m.Get(id)
	if inst == nil {
		return fmt.Errorf("instance %s is not running", id)
	}
	if err := inst.AddRoute(domain, ip, port); err != nil {
		return err
	}
	m.log.Info("route added", "id", id, "domain", domain, "target", ip, "port", port)
	return nil
}

// Get returns the live instance id or nil.
func (m *Manager) Get(id string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// List returns snapshots of live and starting instances sorted by id.
func (m *Manager) List() []model.InstanceRuntime {
	m.mu.Lock()
	out := make([]model.InstanceRuntime, 0, len(m.live)+len(m.starting))
	for _, inst := range m.live {
		out = append(out, inst.Runtime())
	}
	for id := range m.starting {
		if _, ok := m.live[id]; !ok {
			out = append(out, model.InstanceRuntime{ID: id, State: model.InstanceStarting})
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version reports the browser version, asking a running instance when there
// is one and a throwaway headless browser otherwise.
func (m *Manager) Version(ctx context.Context, extraFlags []string) (*devtool.Version, error) {
	var port int
	m.mu.Lock()
	for _, inst := range m.live {
		port = inst.BrowserPort()
		break
	}
	m.mu.Unlock()
	if port > 0 {
		if v, err := browser.FetchVersion(ctx, m.httpClient(), port); err == nil {
			return v, nil
		}
	}

	flags := append([]string{"--headless", "--no-sandbox", "--use-mock-keychain"}, m.cfg.Flags...)
	flags = append(flags, extraFlags...)
	proc, err := m.cfg.Launcher.Launch(ctx, browser.Options{Flags: flags})
	if err != nil {
		return nil, err
	}
	defer func() {
		kctx, cancel := context.WithTimeout(context.Background(), m.cfg.KillGrace)
		defer cancel()
		_ = proc.Kill(kctx)
	}()
	return browser.FetchVersion(ctx, m.httpClient(), proc.Port())
}

func (m *Manager) httpClient() *http.Client {
	if m.cfg.HTTPClient != nil {
		return m.cfg.HTTPClient
	}
	return browser.RetryingClient()
}

func (m *Manager) record(evt events.Event) {
	if m.cfg.Events == nil {
		return
	}
	if err := m.cfg.Events.Append(evt); err != nil {
		m.log.Warn("failed to record event", "type", evt.EventType, "error", err)
	}
}

func (m *Manager) persist() {
	if m.cfg.RuntimeFile == "" {
		return
	}
	b, err := json.MarshalIndent(m.List(), "", "  ")
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(m.cfg.RuntimeFile), 0o700); err == nil {
			err = os.WriteFile(m.cfg.RuntimeFile, b, 0o600)
		}
	}
	if err != nil {
		m.log.Warn("failed to persist instance snapshot", "error", err)
	}
}

// ReadSnapshot loads a snapshot written by a manager, possibly in another
// process. Entries whose browser process is gone are reported as killed.
func ReadSnapshot(path string) ([]model.InstanceRuntime, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var arr []model.InstanceRuntime
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range arr {
		if arr[i].State == model.InstanceRunning && !procgroup.Alive(arr[i].PID) {
			arr[i].State = model.InstanceKilled
		}
		if !arr[i].StartedAt.IsZero() && arr[i].State == model.InstanceRunning {
			arr[i].UptimeSec = int64(time.Since(arr[i].StartedAt).Seconds())
		}
	}
	return arr, nil
}
