// Package supervisor runs tunnel proxies in separate OS processes.
//
// The parent re-executes its own binary with a hidden "proxy serve"
// subcommand. The routing table is written to the child's stdin as one JSON
// document and stdin is closed. A stream socket passed as an extra file
// descriptor is the out-of-band control channel: the child reports readiness
// with its bound address there and the parent pushes live routing additions
// back. stdout and stderr stay free for human-readable logs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/treykane/chrome-server/internal/control"
	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/procgroup"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

// ControlFD is the descriptor number of the control channel in the child.
// ExtraFiles[0] always lands on 3.
const ControlFD = 3

// UpstreamEnv carries the system upstream to the child.
const UpstreamEnv = "PROXY_DEFAULT"

// DefaultListen is where every proxy subprocess binds.
const DefaultListen = util.LoopbackHost + ":0"

// DefaultArgs are the arguments passed to the re-executed binary.
var DefaultArgs = []string{"proxy", "serve", "--control-fd", strconv.Itoa(ControlFD), "--listen", DefaultListen}

// listenEnv configures the standalone proxy's listener and is never passed
// to a subprocess.
var listenEnv = []string{"PROXY_HOST", "PROXY_PORT"}

// Supervisor starts proxy subprocesses. The zero value re-executes the
// current binary with DefaultArgs.
type Supervisor struct {
	Executable string
	Args       []string
	// Env is appended to the parent's environment, minus PROXY_HOST and
	// PROXY_PORT.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Subprocess is a running proxy child.
type Subprocess struct {
	PID     int
	Address model.Address

	cmd  *exec.Cmd
	ch   *control.Channel
	log  *slog.Logger
	done chan struct{}
	err  error

	killOnce sync.Once
	killErr  error
}

type readyResult struct {
	addr model.Address
	err  error
}

// Spawn starts a proxy subprocess serving table and waits until it reports
// readiness. No timeout is imposed here: ctx decides how long to wait. A child
// that exits, or a ctx that ends, before readiness yields a
// fault.ProcessStartupFailure and the child is killed and reaped.
func (s *Supervisor) Spawn(ctx context.Context, table *routing.Table) (*Subprocess, error) {
	const op = "spawn proxy subprocess"
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "supervisor")

	if table == nil {
		table = routing.New(nil, nil)
	}
	doc, err := table.Document()
	if err != nil {
		return nil, fault.New(fault.ProcessStartupFailure, op, "encode routing table", err)
	}

	exe := s.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, fault.New(fault.ProcessStartupFailure, op, "locate executable", err)
		}
	}
	args := s.Args
	if args == nil {
		args = DefaultArgs
	}

	parentConn, childFile, err := controlPair()
	if err != nil {
		return nil, fault.New(fault.ProcessStartupFailure, op, "control channel", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = childEnvironment(os.Environ(), s.Env, table.Upstream())
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{childFile}
	procgroup.Setup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = parentConn.Close()
		_ = childFile.Close()
		return nil, fault.New(fault.ProcessStartupFailure, op, "stdin pipe", err)
	}

	if err := cmd.Start(); err != nil {
		_ = parentConn.Close()
		_ = childFile.Close()
		return nil, fault.New(fault.ProcessStartupFailure, op, "start "+exe, err)
	}
	_ = childFile.Close()

	p := &Subprocess{
		PID:  cmd.Process.Pid,
		cmd:  cmd,
		ch:   control.NewChannel(parentConn),
		log:  log.With("pid", cmd.Process.Pid),
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	go func() {
		if _, err := stdin.Write(doc); err != nil {
			p.log.Warn("write routing table", "error", err)
		}
		_ = stdin.Close()
	}()

	ready := make(chan readyResult, 1)
	go func() { ready <- p.awaitReady() }()

	select {
	case r := <-ready:
		if r.err == nil {
			p.Address = r.addr
			p.log.Info("proxy subprocess ready", "address", r.addr.HostPort(), "rules", table.Len())
			return p, nil
		}
		err = r.err
	case <-p.done:
		err = fmt.Errorf("exited before ready: %v", p.exitStatus())
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.abort()
	return nil, fault.New(fault.ProcessStartupFailure, op, "no readiness signal", err)
}

func childEnvironment(parent, extra []string, upstream *model.Address) []string {
	env := make([]string, 0, len(parent)+len(extra)+1)
	for _, kv := range parent {
		name, _, _ := strings.Cut(kv, "=")
		if !slices.Contains(listenEnv, name) {
			env = append(env, kv)
		}
	}
	env = append(env, extra...)
	if upstream != nil {
		env = append(env, UpstreamEnv+"="+upstream.String())
	}
	return env
}

// awaitReady reads control messages until the ready message arrives.
func (p *Subprocess) awaitReady() readyResult {
	for {
		m, err := p.ch.Receive()
		if err != nil {
			if errors.Is(err, control.ErrMalformed) {
				p.log.Warn("ignoring control message", "error", err)
				continue
			}
			return readyResult{err: err}
		}
		if m.Type != control.TypeReady {
			continue
		}
		if m.Address == nil || m.Address.Port == 0 {
			return readyResult{err: errors.New("ready message without address")}
		}
		host := m.Address.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = util.LoopbackHost
		}
		return readyResult{addr: model.Address{Protocol: util.ProtocolHTTP, Host: host, Port: m.Address.Port}}
	}
}

func (p *Subprocess) abort() {
	_ = p.ch.Close()
	_ = procgroup.Signal(p.PID, unix.SIGKILL)
	<-p.done
}

func (p *Subprocess) exitStatus() error {
	if p.err == nil {
		return errors.New("exit status 0")
	}
	return p.err
}

// Add pushes a routing entry mapping domain to ip[:port]. It applies to
// connections the child routes after receiving it.
func (p *Subprocess) Add(domain, ip string, port int) error {
	m := control.Add(domain, ip, port)
	if _, err := m.Target(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return fmt.Errorf("add %s: proxy subprocess exited", domain)
	default:
	}
	return p.ch.Send(m)
}

// Done is closed once the child has exited and been reaped.
func (p *Subprocess) Done() <-chan struct{} { return p.done }

// Err returns the child's exit error after Done is closed.
func (p *Subprocess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Kill closes the control channel and stops the child's process group:
// SIGTERM, then SIGKILL once ctx ends (util.ProcessStopGrace when ctx has no
// deadline). A forced kill is reported as fault.PartialTeardownTimeout.
// Kill is idempotent; later calls return the first result.
func (p *Subprocess) Kill(ctx context.Context) error {
	p.killOnce.Do(func() {
		_ = p.ch.Close()
		err := procgroup.Stop(ctx, p.PID, p.done)
		if errors.Is(err, procgroup.ErrForced) {
			p.killErr = fault.New(fault.PartialTeardownTimeout, "kill proxy subprocess", "pid "+strconv.Itoa(p.PID), err)
			p.log.Warn("proxy subprocess did not stop in time", "error", p.killErr)
			return
		}
		if err != nil {
			p.killErr = fmt.Errorf("kill proxy subprocess %d: %w", p.PID, err)
			return
		}
		p.log.Debug("proxy subprocess stopped", "status", p.err)
	})
	return p.killErr
}

// controlPair creates a connected stream socket pair. The parent end is
// returned as a net.Conn; the child end as a file for exec.Cmd.ExtraFiles.
func controlPair() (net.Conn, *os.File, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	parent := os.NewFile(uintptr(fds[0]), "control-parent")
	child := os.NewFile(uintptr(fds[1]), "control-child")
	conn, err := net.FileConn(parent)
	_ = parent.Close()
	if err != nil {
		_ = child.Close()
		return nil, nil, fmt.Errorf("control conn: %w", err)
	}
	return conn, child, nil
}
