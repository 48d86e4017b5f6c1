// Package lifecycle ties process signals to instance teardown.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/treykane/chrome-server/internal/fault"
)

// Killer releases every live instance.
type Killer interface {
	KillAll(ctx context.Context) error
}

// Signals handled by Run.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2}

// Coordinator tears instances down when the process is asked to stop.
//
// SIGINT and SIGTERM exit with status 0 once every instance is released or
// its grace period has elapsed. SIGUSR2 restores the default disposition and
// re-raises itself, so whoever sent it sees the process die from that signal.
type Coordinator struct {
	Instances Killer
	Logger    *slog.Logger

	// Exit defaults to os.Exit.
	Exit func(code int)
	// Raise defaults to resetting the handler and sending sig to this process.
	Raise func(sig syscall.Signal) error

	notify func(c chan<- os.Signal, sigs ...os.Signal)
	stop   func(c chan<- os.Signal)
}

// Starting returns a context that any of Signals cancels. It guards work
// that runs before Run installs its handler, typically the launches Run will
// later tear down, so an early interrupt aborts them instead of orphaning
// processes. Call stop once Run is in charge or the work has failed.
func Starting(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, Signals...)
}

// Run blocks until a handled signal arrives or ctx ends. On a signal it
// shuts down and exits or re-raises; on ctx end it shuts down and returns.
func (c *Coordinator) Run(ctx context.Context) error {
	notify, stop := c.notify, c.stop
	if notify == nil {
		notify, stop = signal.Notify, signal.Stop
	}
	ch := make(chan os.Signal, 1)
	notify(ch, Signals...)
	defer stop(ch)

	select {
	case sig := <-ch:
		c.logger().Info("signal received", "signal", sig.String())
		c.Shutdown()
		return c.finish(sig)
	case <-ctx.Done():
		c.Shutdown()
		return ctx.Err()
	}
}

// Shutdown kills every instance and logs those whose teardown did not
// confirm in time.
func (c *Coordinator) Shutdown() {
	if c.Instances == nil {
		return
	}
	err := c.Instances.KillAll(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, fault.ErrPartialTeardownTimeout) {
		c.logger().Warn("instances did not confirm termination", "error", err)
		return
	}
	c.logger().Error("instance teardown failed", "error", err)
}

func (c *Coordinator) finish(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok && s == syscall.SIGUSR2 {
		raise := c.Raise
		if raise == nil {
			raise = reraise
		}
		return raise(s)
	}
	exit := c.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(0)
	return nil
}

func reraise(sig syscall.Signal) error {
	signal.Reset(sig)
	return unix.Kill(os.Getpid(), sig)
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
