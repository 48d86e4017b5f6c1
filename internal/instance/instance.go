package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/chrome-server/internal/browser"
	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/supervisor"
	"github.com/treykane/chrome-server/internal/util"
)

// Instance is a running browser plus the reverse listener and proxy
// subprocess it owns, if any.
type Instance struct {
	ID        string
	StartedAt time.Time
	Bind      string
	Headless  bool
	Chain     model.ProxyChain

	browser   browser.Process
	reverse   *reverseListener
	proxy     *supervisor.Subprocess
	debugPort int

	// release removes the instance from its manager's live table.
	release func()

	killOnce sync.Once
	killErr  error
}

// PID is the browser process id.
func (i *Instance) PID() int { return i.browser.PID() }

// DebugPort is the port callers use to reach the remote debugging endpoint:
// the reverse listener's when there is one, the browser's otherwise.
func (i *Instance) DebugPort() int { return i.debugPort }

// BrowserPort is the browser's own loopback debug port.
func (i *Instance) BrowserPort() int { return i.browser.Port() }

// Proxy returns the linked proxy subprocess or nil.
func (i *Instance) Proxy() *supervisor.Subprocess { return i.proxy }

// ErrNoProxy means the instance was launched without a proxy chain.
var ErrNoProxy = errors.New("instance has no proxy subprocess")

// AddRoute sends domain -> ip[:port] to the instance's proxy subprocess. It
// affects connections routed after the child receives it.
func (i *Instance) AddRoute(domain, ip string, port int) error {
	if i.proxy == nil {
		return fmt.Errorf("%s: %w", i.ID, ErrNoProxy)
	}
	return i.proxy.Add(domain, ip, port)
}

// Kill removes the instance from the live table and then releases the
// browser, the reverse listener and the proxy subprocess concurrently. It
// returns when all three are done or ctx ends; in the latter case the error
// is a fault.PartialTeardownTimeout. Without a ctx deadline util.KillGrace
// applies. Kill is idempotent.
func (i *Instance) Kill(ctx context.Context) error {
	i.killOnce.Do(func() {
		if i.release != nil {
			i.release()
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, util.KillGrace)
			defer cancel()
		}

		var g errgroup.Group
		g.Go(func() error { return i.browser.Kill(ctx) })
		if i.reverse != nil {
			g.Go(i.reverse.Close)
		}
		if i.proxy != nil {
			g.Go(func() error { return i.proxy.Kill(ctx) })
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()

		select {
		case err := <-done:
			if err != nil && ctx.Err() != nil && !errors.Is(err, fault.ErrPartialTeardownTimeout) {
				err = fault.New(fault.PartialTeardownTimeout, "kill instance", i.ID, err)
			}
			i.killErr = err
		case <-ctx.Done():
			i.killErr = fault.New(fault.PartialTeardownTimeout, "kill instance", i.ID, ctx.Err())
		}
	})
	return i.killErr
}

// Runtime returns a snapshot for listing.
func (i *Instance) Runtime() model.InstanceRuntime {
	rt := model.InstanceRuntime{
		ID:          i.ID,
		PID:         i.browser.PID(),
		DebugPort:   i.debugPort,
		BrowserPort: i.browser.Port(),
		Bind:        i.Bind,
		Headless:    i.Headless,
		Chain:       i.Chain.Kind.String(),
		State:       model.InstanceRunning,
		StartedAt:   i.StartedAt,
		UptimeSec:   int64(time.Since(i.StartedAt).Seconds()),
	}
	if i.proxy != nil {
		rt.ProxyPID = i.proxy.PID
		rt.ProxyAddr = i.proxy.Address.HostPort()
	}
	return rt
}
