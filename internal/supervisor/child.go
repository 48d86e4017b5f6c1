package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/treykane/chrome-server/internal/control"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/proxy"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

// ChildConfig configures the child side of a proxy subprocess.
type ChildConfig struct {
	// Control is the control channel. When nil, ControlFD is opened.
	Control   io.ReadWriteCloser
	ControlFD int
	// Stdin supplies the routing table document.
	Stdin io.Reader
	// Listen is the proxy listen address; empty means 127.0.0.1:0.
	Listen   string
	Upstream *model.Address
	Debug    bool
	Version  string
	Metrics  *proxy.Metrics
	Logger   *slog.Logger
}

// ServeChild runs the proxy inside a subprocess. It reads the routing
// document from Stdin, starts listening, reports readiness over the control
// channel and then applies add messages until the channel closes or ctx ends.
// An unreadable document is logged and an empty table is served instead.
func ServeChild(ctx context.Context, cfg ChildConfig) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "proxy-child", "pid", os.Getpid())

	rwc := cfg.Control
	if rwc == nil {
		var err error
		if rwc, err = openControl(cfg.ControlFD); err != nil {
			return err
		}
	}
	ch := control.NewChannel(rwc)
	defer ch.Close()

	table := readTable(cfg.Stdin, cfg.Upstream, log)

	srv := proxy.New(proxy.Config{
		Table:   table,
		Metrics: cfg.Metrics,
		Logger:  log,
		Debug:   cfg.Debug,
		Version: cfg.Version,
	})
	ln, err := srv.Listen(util.NormalizeAddr(cfg.Listen, DefaultListen))
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer srv.Close()

	addr := srv.Addr()
	if err := ch.Send(control.Ready(addr.IP.String(), addr.Port)); err != nil {
		return fmt.Errorf("report ready: %w", err)
	}
	log.Info("proxy listening", "address", addr.String(), "rules", table.Len(), "upstream", upstreamString(table.Upstream()))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		applyUpdates(ch, table, log)
	}()

	select {
	case <-ctx.Done():
		log.Info("proxy stopping", "reason", ctx.Err())
	case <-closed:
		log.Info("control channel closed, proxy stopping")
	case err := <-serveErr:
		return err
	}
	return nil
}

func openControl(fd int) (io.ReadWriteCloser, error) {
	if fd <= 2 {
		return nil, fmt.Errorf("invalid control descriptor %d", fd)
	}
	f := os.NewFile(uintptr(fd), "control")
	if f == nil {
		return nil, fmt.Errorf("control descriptor %d is not open", fd)
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("open control descriptor %d: %w", fd, err)
	}
	return conn, nil
}

func readTable(r io.Reader, upstream *model.Address, log *slog.Logger) *routing.Table {
	if r == nil {
		return routing.New(nil, upstream)
	}
	doc, err := io.ReadAll(r)
	if err != nil {
		log.Error("read routing table", "error", err)
		return routing.New(nil, upstream)
	}
	table, err := routing.FromDocument(doc, upstream)
	if err != nil {
		log.Error("parse routing table", "error", err)
		return routing.New(nil, upstream)
	}
	return table
}

// applyUpdates reads control messages until the channel ends.
func applyUpdates(ch *control.Channel, table *routing.Table, log *slog.Logger) {
	for {
		m, err := ch.Receive()
		if err != nil {
			if errors.Is(err, control.ErrMalformed) {
				log.Warn("ignoring control message", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("control channel failed", "error", err)
			}
			return
		}
		if m.Type != control.TypeAdd {
			log.Debug("ignoring control message", "type", m.Type)
			continue
		}
		target, err := m.Target()
		if err != nil {
			log.Warn("invalid add message", "domain", m.Domain, "error", err)
			continue
		}
		table.Add(m.Domain, target)
		log.Info("route added", "host", m.Domain, "target", target.String())
	}
}

func upstreamString(a *model.Address) string {
	if a == nil {
		return "-"
	}
	return a.String()
}
