package util

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/treykane/chrome-server/internal/model"
)

// ErrInvalidAddress is wrapped by every ParseAddress and SplitHostPort failure.
var ErrInvalidAddress = errors.New("invalid address")

// Protocol names accepted in addresses.
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS5 = "socks5"
)

// ParseAddress parses "[scheme://]host[:port]" into a model.Address.
//
// The scheme defaults to http; socks, socks5 and socks5h all normalize to
// socks5. Anything after the first "/" following the authority is ignored, so
// URLs such as "http://proxy.local:3128/" are accepted. IPv6 hosts must be
// bracketed when a port is given ("[::1]:8080"); a bare literal ("::1") is
// taken as a host without port.
//
// Examples:
//
//	ParseAddress("10.0.0.1")                → {http 10.0.0.1 0}
//	ParseAddress("socks5://127.0.0.1:1080") → {socks5 127.0.0.1 1080}
//	ParseAddress("[::1]:9222")              → {http ::1 9222}
func ParseAddress(s string) (model.Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return model.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	proto := ProtocolHTTP
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		p, err := normalizeProtocol(raw[:i])
		if err != nil {
			return model.Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		proto = p
		rest = raw[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	host, port, err := splitAuthority(rest)
	if err != nil {
		return model.Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return model.Address{Protocol: proto, Host: host, Port: port}, nil
}

// SplitHostPort splits a CONNECT-style authority. When the port is missing
// defaultPort is used.
func SplitHostPort(authority string, defaultPort int) (string, int, error) {
	host, port, err := splitAuthority(strings.TrimSpace(authority))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, authority, err)
	}
	if port == 0 {
		port = defaultPort
	}
	return host, port, nil
}

// IsLoopback reports whether host names the local loopback interface.
func IsLoopback(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IPv4 returns the 4-byte form of host when it is an IPv4 literal.
func IPv4(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}
	v4 := ip.To4()
	return v4, v4 != nil && !strings.Contains(host, ":")
}

func normalizeProtocol(p string) (string, error) {
	switch strings.ToLower(p) {
	case "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "socks", "socks5", "socks5h":
		return ProtocolSOCKS5, nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", p)
	}
}

func splitAuthority(s string) (string, int, error) {
	if s == "" {
		return "", 0, errors.New("empty host")
	}
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errors.New("unterminated IPv6 literal")
		}
		host := s[1:end]
		if host == "" {
			return "", 0, errors.New("empty host")
		}
		tail := s[end+1:]
		if tail == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(tail, ":") {
			return "", 0, fmt.Errorf("unexpected %q after host", tail)
		}
		port, err := parsePort(tail[1:])
		return host, port, err
	}
	if strings.Count(s, ":") > 1 {
		if net.ParseIP(s) == nil {
			return "", 0, errors.New("malformed host")
		}
		return s, 0, nil
	}
	host, portStr, found := strings.Cut(s, ":")
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	if !found {
		return host, 0, nil
	}
	port, err := parsePort(portStr)
	return host, port, err
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("non-numeric port %q", s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}
