// Package routing decides where the tunnel proxy sends each connection.
//
// A Table holds literal host rules ("host" or "host:port") and an optional
// system upstream. Resolution order:
//
//  1. an exact "host:port" rule
//  2. a host-only rule, keeping the requested port when the rule has none
//  3. the system upstream, when it carries a port
//  4. a direct connection, to the system upstream's host when it has no port
//
// Matching is case-sensitive and literal. Tables are safe for concurrent use;
// Add only affects resolutions that start after it returns.
package routing

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/util"
)

// DecisionKind says how a connection leaves the proxy.
type DecisionKind int

const (
	// Direct: dial Target (the requested host:port) without an upstream.
	Direct DecisionKind = iota
	// Override: dial Target, taken from a rule.
	Override
	// SystemUpstream: tunnel through Target using Target.Protocol.
	SystemUpstream
)

func (k DecisionKind) String() string {
	switch k {
	case Override:
		return "override"
	case SystemUpstream:
		return "upstream"
	default:
		return "direct"
	}
}

// Decision is the outcome of Resolve. For SystemUpstream, Target is the
// upstream proxy and the original destination is still the requested host:port.
type Decision struct {
	Kind   DecisionKind
	Target model.Address
}

// Table is a routing table with live updates.
type Table struct {
	mu       sync.RWMutex
	rules    map[string]model.Address
	upstream *model.Address
}

// New builds a table from rules keyed by "host" or "host:port".
// upstream may be nil.
func New(rules map[string]model.Address, upstream *model.Address) *Table {
	t := &Table{rules: make(map[string]model.Address, len(rules))}
	for k, v := range rules {
		t.rules[k] = v
	}
	if upstream != nil {
		u := *upstream
		t.upstream = &u
	}
	return t
}

// FromDocument parses a JSON object mapping host[:port] keys to address
// strings. Comments and trailing commas are accepted.
func FromDocument(b []byte, upstream *model.Address) (*Table, error) {
	rules, err := ParseDocument(b)
	if err != nil {
		return nil, err
	}
	return New(rules, upstream), nil
}

// ParseDocument parses the JSON rule document accepted by FromDocument.
func ParseDocument(b []byte) (map[string]model.Address, error) {
	raw := map[string]string{}
	clean := jsonc.ToJSON(b)
	if len(strings.TrimSpace(string(clean))) > 0 {
		if err := json.Unmarshal(clean, &raw); err != nil {
			return nil, fmt.Errorf("parse routing document: %w", err)
		}
	}
	rules := make(map[string]model.Address, len(raw))
	for key, target := range raw {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
		addr, err := util.ParseAddress(target)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", key, err)
		}
		rules[key] = addr
	}
	return rules, nil
}

// ValidateKey checks a rule key is "host" or "host:port".
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(key) != key {
		return fmt.Errorf("rule key %q: must be a non-empty host without spaces", key)
	}
	if _, _, err := util.SplitHostPort(key, 0); err != nil {
		return fmt.Errorf("rule key %q: %w", key, err)
	}
	return nil
}

// Key renders the rule key for host and port; port 0 gives a host-only key.
func Key(host string, port int) string {
	if port <= 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Resolve picks the route for a connection to host:port.
func (t *Table) Resolve(host string, port int) Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if target, ok := t.rules[Key(host, port)]; ok {
		return Decision{Kind: Override, Target: target.WithPort(port)}
	}
	if target, ok := t.rules[host]; ok {
		return Decision{Kind: Override, Target: target.WithPort(port)}
	}
	if t.upstream != nil {
		if t.upstream.HasPort() {
			return Decision{Kind: SystemUpstream, Target: *t.upstream}
		}
		return Decision{Kind: Direct, Target: model.Address{Protocol: t.upstream.Protocol, Host: t.upstream.Host, Port: port}}
	}
	return Decision{Kind: Direct, Target: model.Address{Host: host, Port: port}}
}

// Add inserts or replaces the rule for key, which is "host" or "host:port".
// A target without a port keeps the requested port at resolution time.
func (t *Table) Add(key string, target model.Address) {
	t.mu.Lock()
	t.rules[key] = target
	t.mu.Unlock()
}

// Upstream returns a copy of the system upstream, or nil.
func (t *Table) Upstream() *model.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.upstream == nil {
		return nil
	}
	u := *t.upstream
	return &u
}

// Rules returns a copy of the rule set.
func (t *Table) Rules() map[string]model.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]model.Address, len(t.rules))
	for k, v := range t.rules {
		out[k] = v
	}
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Document serializes the rules into the JSON form accepted by FromDocument.
// Rule targets without an explicit non-http protocol are written as host[:port].
func (t *Table) Document() ([]byte, error) {
	rules := t.Rules()
	out := make(map[string]string, len(rules))
	for k, v := range rules {
		out[k] = targetString(v)
	}
	return json.Marshal(out)
}

// Entry is one rule in display order.
type Entry struct {
	Key    string
	Target model.Address
}

// Entries returns the rules sorted by key.
func (t *Table) Entries() []Entry {
	rules := t.Rules()
	out := make([]Entry, 0, len(rules))
	for k, v := range rules {
		out = append(out, Entry{Key: k, Target: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func targetString(a model.Address) string {
	if a.Protocol == "" || a.Protocol == util.ProtocolHTTP {
		return a.HostPort()
	}
	return a.String()
}
