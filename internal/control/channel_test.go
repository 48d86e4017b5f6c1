package control

import (
	"errors"
	"io"
	"net"
	"testing"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewChannel(a), NewChannel(b)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestChannel_ReadyRoundTrip(t *testing.T) {
	parent, child := pipeChannels(t)
	go func() { _ = child.Send(Ready("127.0.0.1", 40123)) }()

	m, err := parent.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeReady || m.Address == nil {
		t.Fatalf("unexpected message %+v", m)
	}
	if got := m.Address.String(); got != "127.0.0.1:40123" {
		t.Fatalf("address = %q", got)
	}
}

func TestChannel_AddTarget(t *testing.T) {
	parent, child := pipeChannels(t)
	go func() { _ = parent.Send(Add("example.com", "10.0.0.5", 8443)) }()

	m, err := child.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if m.Domain != "example.com" {
		t.Fatalf("domain = %q", m.Domain)
	}
	target, err := m.Target()
	if err != nil {
		t.Fatal(err)
	}
	if target.HostPort() != "10.0.0.5:8443" || target.Protocol != "http" {
		t.Fatalf("target = %+v", target)
	}
}

func TestChannel_AddTargetKeepsExplicitPort(t *testing.T) {
	m := Add("example.com", "socks5://10.0.0.5:1080", 443)
	target, err := m.Target()
	if err != nil {
		t.Fatal(err)
	}
	if target.Port != 1080 || target.Protocol != "socks5" {
		t.Fatalf("target = %+v", target)
	}
}

func TestChannel_MalformedLinesAreSkippable(t *testing.T) {
	a, b := net.Pipe()
	ch := NewChannel(b)
	defer ch.Close()
	go func() {
		_, _ = io.WriteString(a, "not json\n[1,2]\n{\"type\":7}\n\n{\"type\":\"ready\",\"address\":{\"host\":\"::1\",\"port\":9}}\n")
		_ = a.Close()
	}()

	for i := 0; i < 3; i++ {
		if _, err := ch.Receive(); !errors.Is(err, ErrMalformed) {
			t.Fatalf("line %d: expected ErrMalformed, got %v", i, err)
		}
	}
	m, err := ch.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if m.Address.String() != "[::1]:9" {
		t.Fatalf("address = %q", m.Address.String())
	}
	if _, err := ch.Receive(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestMessage_TargetRequiresDomain(t *testing.T) {
	if _, err := Add("", "10.0.0.1", 0).Target(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Ready("127.0.0.1", 1).Target(); err == nil {
		t.Fatal("ready message must not yield a target")
	}
}
