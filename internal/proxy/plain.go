package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/util"
)

// plainUpstream is the upstream connection serving the latest plain request
// on a client connection, with its upstream-to-client relay.
type plainUpstream struct {
	conn    net.Conn
	retired atomic.Bool
	done    chan struct{}
}

// retire closes the upstream and waits for its relay to stop. The client
// connection stays open.
func (p *plainUpstream) retire() {
	p.retired.Store(true)
	_ = p.conn.Close()
	<-p.done
}

// drain half-closes the upstream and waits for it to finish answering.
func (p *plainUpstream) drain() {
	closeWrite(p.conn)
	<-p.done
	p.retired.Store(true)
	_ = p.conn.Close()
}

func (s *Server) relayResponses(id string, up, c net.Conn) *plainUpstream {
	p := &plainUpstream{conn: up, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		n, err := io.Copy(c, up)
		s.metrics.relayed("downstream", n)
		if p.retired.Load() {
			return
		}
		if err != nil {
			s.metrics.failure(fault.Transport("relay response", err))
		}
		s.trace("upstream ended", "tunnel", id, "error", err)
		_ = c.Close()
	}()
	return p
}

// servePlain handles absolute-URL proxy requests. Each request on the client
// connection retires the previous upstream and is routed afresh.
func (s *Server) servePlain(id string, c net.Conn, br *bufio.Reader, head *requestHead) {
	var cur *plainUpstream
	defer func() {
		if cur != nil {
			cur.retire()
		}
		_ = c.Close()
	}()

	for {
		target, err := url.Parse(head.Target)
		if err != nil || target.Host == "" {
			if cur != nil {
				cur.retire()
				cur = nil
			}
			if strings.HasPrefix(head.Target, "/") || head.Target == "*" {
				s.writeBanner(c, head)
			} else {
				s.metrics.failure(fault.New(fault.ProtocolViolation, "plain request", "bad target", err))
				_, _ = fmt.Fprintf(c, "HTTP/%s 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", head.Version())
			}
			return
		}
		framing, err := head.framing()
		if err != nil {
			s.metrics.failure(err)
			s.log.Debug("bad request framing", "tunnel", id, "error", err)
			return
		}

		host := target.Hostname()
		port := util.DefaultHTTPPort
		if strings.EqualFold(target.Scheme, "https") {
			port = util.DefaultTunnelPort
		}
		if p := target.Port(); p != "" {
			if port, err = strconv.Atoi(p); err != nil {
				return
			}
		}

		if cur != nil {
			cur.retire()
			cur = nil
		}
		d := s.table.Resolve(host, port)
		s.trace("request", "tunnel", id, "method", head.Method, "host", host, "port", port, "route", d.Kind.String(), "target", d.Target.String())
		s.metrics.connection("plain", d.Kind.String())

		up, err := s.dialRoute(s.ctx, d, host, port)
		if err != nil {
			s.metrics.failure(err)
			var rej *RejectedError
			if errors.As(err, &rej) {
				_, _ = c.Write(rej.Raw)
			}
			s.log.Warn("request failed", "tunnel", id, "url", head.Target, "error", err)
			return
		}
		cur = s.relayResponses(id, up, c)

		fwd := head.forward()
		if _, err := up.Write(fwd); err != nil {
			s.metrics.failure(fault.Transport("forward request", err))
			return
		}
		n, err := copyBody(up, br, framing)
		s.metrics.relayed("upstream", int64(len(fwd))+n)
		if err != nil {
			s.metrics.failure(err)
			return
		}

		head, err = readHead(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				cur.drain()
				cur = nil
			}
			return
		}
	}
}

func (s *Server) writeBanner(c net.Conn, head *requestHead) {
	body := strings.Join([]string{
		"Proxy Server",
		"Version: " + s.version,
		"Startup: " + s.started.UTC().Format(time.RFC3339),
	}, "\n")
	_, _ = fmt.Fprintf(c, "HTTP/%s 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		head.Version(), len(body), body)
}
