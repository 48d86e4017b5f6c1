// Package socks5 implements the client side of the SOCKS5 CONNECT handshake
// with the "no authentication" method only.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/util"
)

// SOCKS5 protocol constants.
const (
	socks5Version  = uint8(5)
	noAuth         = uint8(0)
	connectCommand = uint8(1)
	ipv4Address    = uint8(1)
	fqdnAddress    = uint8(3)
	ipv6Address    = uint8(4)
	successReply   = uint8(0)
)

const op = "socks5 handshake"

var aLongTimeAgo = time.Unix(1, 0)

// Negotiate runs the client handshake on conn and asks the server to connect
// to host:port. On success conn is a transparent tunnel to the destination.
//
// The exchange is strictly sequential:
//
//	-> 05 01 00                      greeting, one method: no auth
//	<- 05 00                         method selected
//	-> 05 01 00 ATYP ADDR PORT       CONNECT
//	<- 05 00 00 01 BND.ADDR BND.PORT reply (IPv4 bound address only)
//
// If the server selects any method other than no-auth the CONNECT request is
// never written. The context bounds the handshake only; deadlines are cleared
// before returning.
func Negotiate(ctx context.Context, conn net.Conn, host string, port int) (err error) {
	if err := util.ValidatePort(port); err != nil {
		return fault.New(fault.ProtocolViolation, op, "invalid destination port", err)
	}
	req, err := connectRequest(host, port)
	if err != nil {
		return err
	}

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer func() {
		if !stop() {
			_ = conn.SetDeadline(time.Time{})
			if err != nil {
				err = fault.New(fault.TransportError, op, "cancelled", ctx.Err())
			}
		}
	}()

	if _, err := conn.Write([]byte{socks5Version, 1, noAuth}); err != nil {
		return fault.Transport("socks5 greeting", err)
	}

	var method [2]byte
	if _, err := io.ReadFull(conn, method[:]); err != nil {
		return fault.Transport("socks5 method reply", err)
	}
	if method[0] != socks5Version {
		return fault.WithCode(fault.ProtocolViolation, op, "unexpected socks version", int(method[0]))
	}
	if method[1] != noAuth {
		return fault.WithCode(fault.ProtocolViolation, op, "unsupported authentication method", int(method[1]))
	}

	if _, err := conn.Write(req); err != nil {
		return fault.Transport("socks5 connect request", err)
	}

	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fault.Transport("socks5 connect reply", err)
	}
	switch {
	case head[0] != socks5Version:
		return fault.WithCode(fault.ProtocolViolation, op, "unexpected socks version in reply", int(head[0]))
	case head[1] != successReply:
		return fault.WithCode(fault.UpstreamRejected, op, "connect rejected", int(head[1]))
	case head[2] != 0:
		return fault.WithCode(fault.ProtocolViolation, op, "reserved byte not zero", int(head[2]))
	case head[3] != ipv4Address:
		return fault.WithCode(fault.ProtocolViolation, op, "unsupported bound address type", int(head[3]))
	}

	var bound [net.IPv4len + 2]byte
	if _, err := io.ReadFull(conn, bound[:]); err != nil {
		return fault.Transport("socks5 bound address", err)
	}
	return nil
}

func connectRequest(host string, port int) ([]byte, error) {
	req := []byte{socks5Version, connectCommand, 0}
	if ip4, ok := util.IPv4(host); ok {
		req = append(req, ipv4Address)
		req = append(req, ip4...)
	} else if ip := net.ParseIP(host); ip != nil {
		req = append(req, ipv6Address)
		req = append(req, ip.To16()...)
	} else {
		if host == "" || len(host) > 255 {
			return nil, fault.New(fault.ProtocolViolation, op, "destination name must be 1-255 bytes", nil)
		}
		req = append(req, fqdnAddress, byte(len(host)))
		req = append(req, host...)
	}
	return binary.BigEndian.AppendUint16(req, uint16(port)), nil
}

// Dialer reaches destinations through a SOCKS5 server. It satisfies
// proxy.ContextDialer so it can stand in wherever proxy.Direct is used.
type Dialer struct {
	Server  model.Address
	Forward proxy.ContextDialer
}

// NewDialer returns a Dialer for server that reaches it with proxy.Direct.
func NewDialer(server model.Address) *Dialer {
	return &Dialer{Server: server, Forward: proxy.Direct}
}

// DialContext connects to the SOCKS5 server and negotiates a tunnel to addr.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, errors.New("socks5: unsupported network " + network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fault.New(fault.ProtocolViolation, op, "bad destination", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fault.New(fault.ProtocolViolation, op, "bad destination port", err)
	}
	fwd := d.Forward
	if fwd == nil {
		fwd = proxy.Direct
	}
	conn, err := fwd.DialContext(ctx, "tcp", d.Server.HostPort())
	if err != nil {
		return nil, fault.Transport("dial socks5 server", err)
	}
	if err := Negotiate(ctx, conn, host, port); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial is DialContext without a context.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}
