// Package proxy implements the forward/tunnel proxy that sits between a
// browser and the network.
//
// The server accepts raw TCP connections and reads HTTP request heads by hand
// so that header lines reach the upstream byte-for-byte. Two request kinds
// are served:
//
//   - CONNECT host:port opens a bidirectional tunnel, optionally through a
//     SOCKS5 or HTTP system upstream.
//   - Absolute-URL requests are forwarded with their original request line,
//     headers and body; the upstream response is relayed unmodified.
//
// Every destination is chosen by a routing.Table.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

// Config configures a Server.
type Config struct {
	Table   *routing.Table
	Dialer  proxy.ContextDialer
	Metrics *Metrics
	Logger  *slog.Logger
	// Debug logs every routing decision and tunnel event at info level.
	Debug   bool
	Version string
}

// Server is a tunnel proxy bound to one listener.
type Server struct {
	table   *routing.Table
	dialer  proxy.ContextDialer
	metrics *Metrics
	log     *slog.Logger
	debug   bool
	version string
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Server. A nil Table routes everything directly.
func New(cfg Config) *Server {
	if cfg.Table == nil {
		cfg.Table = routing.New(nil, nil)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		table:   cfg.Table,
		dialer:  cfg.Dialer,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "proxy"),
		debug:   cfg.Debug,
		version: util.DefaultString(cfg.Version, "dev"),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Table returns the routing table the server consults.
func (s *Server) Table() *routing.Table { return s.table }

// Listen binds addr and returns the listener to pass to Serve.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

// Addr returns the bound address, or nil before Listen/Serve.
func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	addr, _ := s.ln.Addr().(*net.TCPAddr)
	return addr
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.log.Warn("accept failed, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handle(c)
		}()
	}
}

// Close stops accepting, closes every open connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) trace(msg string, args ...any) {
	if s.debug {
		s.log.Info(msg, args...)
		return
	}
	s.log.Debug(msg, args...)
}

func (s *Server) handle(c net.Conn) {
	br := bufio.NewReader(c)
	head, err := readHead(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.metrics.failure(err)
			s.log.Debug("read request head failed", "remote", c.RemoteAddr().String(), "error", err)
		}
		_ = c.Close()
		return
	}
	id := uuid.NewString()
	if head.Method == "CONNECT" {
		s.serveConnect(id, c, br, head)
		return
	}
	s.servePlain(id, c, br, head)
}

// serveConnect handles "CONNECT host:port". Bytes the client sent after the
// head are forwarded once the upstream is ready.
func (s *Server) serveConnect(id string, c net.Conn, br *bufio.Reader, head *requestHead) {
	host, port, err := util.SplitHostPort(head.Target, util.DefaultTunnelPort)
	if err != nil {
		s.metrics.failure(fault.New(fault.ProtocolViolation, "connect", "bad target", err))
		_, _ = fmt.Fprintf(c, "HTTP/%s 400 Bad Request\r\n\r\n", head.Version())
		_ = c.Close()
		return
	}

	d := s.table.Resolve(host, port)
	s.trace("connect", "tunnel", id, "host", host, "port", port, "route", d.Kind.String(), "target", d.Target.String())
	s.metrics.connection("connect", d.Kind.String())

	up, err := s.dialRoute(s.ctx, d, host, port)
	if err != nil {
		s.metrics.failure(err)
		var rej *RejectedError
		if errors.As(err, &rej) {
			_, _ = c.Write(rej.Raw)
		}
		s.log.Warn("connect failed", "tunnel", id, "host", host, "port", port, "error", err)
		_ = c.Close()
		return
	}

	if n := br.Buffered(); n > 0 {
		early, _ := br.Peek(n)
		if _, err := up.Write(early); err != nil {
			s.metrics.failure(fault.Transport("forward early bytes", err))
			_ = up.Close()
			_ = c.Close()
			return
		}
	}
	if _, err := fmt.Fprintf(c, "HTTP/%s 200 Connection established\r\n\r\n", head.Version()); err != nil {
		_ = up.Close()
		_ = c.Close()
		return
	}

	s.metrics.tunnelOpened()
	defer s.metrics.tunnelClosed()
	newTunnel(id, c, up, s.log, s.metrics).relay()
	s.trace("tunnel closed", "tunnel", id)
}
