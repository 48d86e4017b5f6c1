package model

import (
	"net"
	"strconv"
	"time"
)

// Address is a parsed [scheme://]host[:port] endpoint. Port 0 means the
// port was not given.
type Address struct {
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
}

// HasPort reports whether the address carries an explicit port.
func (a Address) HasPort() bool { return a.Port > 0 }

// HostPort renders host:port, or the bare host when no port is set.
func (a Address) HostPort() string {
	if a.Port <= 0 {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WithPort returns a copy of a whose port is port when a has none.
func (a Address) WithPort(port int) Address {
	if a.Port <= 0 {
		a.Port = port
	}
	return a
}

func (a Address) String() string {
	if a.Protocol == "" {
		return a.HostPort()
	}
	return a.Protocol + "://" + a.HostPort()
}

// ChainKind tags the variant held by a ProxyChain.
type ChainKind int

const (
	ChainNone ChainKind = iota
	ChainExplicitUpstream
	ChainHostOverrides
)

func (k ChainKind) String() string {
	switch k {
	case ChainExplicitUpstream:
		return "upstream"
	case ChainHostOverrides:
		return "overrides"
	default:
		return "none"
	}
}

// ProxyChain describes how a browser's traffic leaves the machine.
// Exactly one variant is populated depending on Kind:
//
//	ChainNone             no local proxy is spawned
//	ChainExplicitUpstream every connection goes through Upstream
//	ChainHostOverrides    Rules are consulted first; Upstream (optional) is the fallback
type ProxyChain struct {
	Kind     ChainKind
	Rules    map[string]Address
	Upstream *Address
}

// NoChain is the zero-value chain.
func NoChain() ProxyChain { return ProxyChain{Kind: ChainNone} }

// ExplicitUpstream builds a chain that sends everything through upstream.
func ExplicitUpstream(upstream Address) ProxyChain {
	return ProxyChain{Kind: ChainExplicitUpstream, Upstream: &upstream}
}

// HostOverrides builds a chain driven by a routing table. upstream may be nil.
func HostOverrides(rules map[string]Address, upstream *Address) ProxyChain {
	return ProxyChain{Kind: ChainHostOverrides, Rules: rules, Upstream: upstream}
}

// Enabled reports whether a proxy subprocess is required.
func (c ProxyChain) Enabled() bool { return c.Kind != ChainNone }

// InstanceState is the lifecycle position of one browser instance id.
type InstanceState string

const (
	InstanceAbsent   InstanceState = "absent"
	InstanceStarting InstanceState = "starting"
	InstanceRunning  InstanceState = "running"
	InstanceKilled   InstanceState = "killed"
)

// InstanceRuntime is a read-only snapshot of one browser instance.
type InstanceRuntime struct {
	ID          string        `json:"id"`
	PID         int           `json:"pid,omitempty"`
	DebugPort   int           `json:"debug_port,omitempty"`
	BrowserPort int           `json:"browser_port,omitempty"`
	Bind        string        `json:"bind,omitempty"`
	Headless    bool          `json:"headless"`
	Chain       string        `json:"chain"`
	ProxyPID    int           `json:"proxy_pid,omitempty"`
	ProxyAddr   string        `json:"proxy_addr,omitempty"`
	State       InstanceState `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	UptimeSec   int64         `json:"uptime_seconds"`
	LastError   string        `json:"last_error,omitempty"`
}
