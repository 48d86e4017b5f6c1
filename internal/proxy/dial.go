package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/socks5"
	"github.com/treykane/chrome-server/internal/util"
)

var establishedRe = regexp.MustCompile(`(?i)connection\s*established`)

// RejectedError carries the raw answer of an HTTP upstream that refused a
// nested CONNECT. The proxy relays Raw to its client unchanged.
type RejectedError struct {
	Status string
	Raw    []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream answered %q", e.Status)
}

// dialRoute returns a connection carrying bytes to host:port as decided by d.
func (s *Server) dialRoute(ctx context.Context, d routing.Decision, host string, port int) (net.Conn, error) {
	if d.Kind != routing.SystemUpstream {
		conn, err := s.dialer.DialContext(ctx, "tcp", d.Target.HostPort())
		if err != nil {
			return nil, fault.Transport("dial "+d.Target.HostPort(), err)
		}
		return conn, nil
	}

	dest := net.JoinHostPort(host, strconv.Itoa(port))
	if d.Target.Protocol == util.ProtocolSOCKS5 {
		sd := socks5.NewDialer(d.Target)
		sd.Forward = s.dialer
		return sd.DialContext(ctx, "tcp", dest)
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", d.Target.HostPort())
	if err != nil {
		return nil, fault.Transport("dial upstream "+d.Target.HostPort(), err)
	}
	tunneled, err := nestedConnect(ctx, conn, dest)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunneled, nil
}

// nestedConnect asks an HTTP proxy on conn to open a tunnel to dest.
func nestedConnect(ctx context.Context, conn net.Conn, dest string) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := "CONNECT " + dest + " HTTP/1.1\r\nHost: " + dest + "\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return nil, fault.Transport("nested connect", err)
	}

	br := bufio.NewReader(conn)
	var raw []byte
	budget := maxHeadBytes
	status := ""
	for {
		line, err := readLine(br, &budget)
		raw = append(raw, line...)
		if err != nil {
			if len(raw) > 0 && status != "" {
				return nil, fault.New(fault.UpstreamRejected, "nested connect", "incomplete response", &RejectedError{Status: status, Raw: raw})
			}
			return nil, fault.Transport("nested connect", err)
		}
		if status == "" {
			status = string(trimEOL(line))
		}
		if len(trimEOL(line)) == 0 {
			break
		}
	}

	if !establishedRe.Match(raw) {
		if n := br.Buffered(); n > 0 {
			extra, _ := br.Peek(n)
			raw = append(raw, extra...)
		}
		return nil, fault.New(fault.UpstreamRejected, "nested connect", status, &RejectedError{Status: status, Raw: raw})
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, br: br}, nil
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader so that any data
// buffered while reading the upstream's response head is not lost.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
