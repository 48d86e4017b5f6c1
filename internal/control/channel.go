// Package control carries messages between the process that supervises a
// proxy subprocess and the subprocess itself.
//
// The routing table travels once over the child's stdin. Everything after
// that uses an out-of-band stream socket: one JSON object per line. The child
// sends a single ready message with its bound address; the parent may send add
// messages at any time afterwards.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/util"
)

// Message types.
const (
	TypeReady = "ready"
	TypeAdd   = "add"
)

// ErrMalformed marks a line that is not a JSON object with a string type.
var ErrMalformed = errors.New("malformed control message")

const maxLine = 64 << 10

// HostPort is the bound listen address reported by a ready message.
type HostPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// Message is one control line. Address is set for ready messages; Domain, IP
// and Port for add messages.
type Message struct {
	Type    string    `json:"type"`
	Address *HostPort `json:"address,omitempty"`
	Domain  string    `json:"domain,omitempty"`
	IP      string    `json:"ip,omitempty"`
	Port    int       `json:"port,omitempty"`
}

// Ready builds the readiness message for a listener bound to host:port.
func Ready(host string, port int) Message {
	return Message{Type: TypeReady, Address: &HostPort{Host: host, Port: port}}
}

// Add builds a live routing update mapping domain to ip[:port].
func Add(domain, ip string, port int) Message {
	return Message{Type: TypeAdd, Domain: domain, IP: ip, Port: port}
}

// Target returns the routing target of an add message. A port given in the
// message fills in a target that has none.
func (m Message) Target() (model.Address, error) {
	if m.Type != TypeAdd {
		return model.Address{}, fmt.Errorf("%s message has no target", m.Type)
	}
	if m.Domain == "" {
		return model.Address{}, fmt.Errorf("%w: add without domain", ErrMalformed)
	}
	addr, err := util.ParseAddress(m.IP)
	if err != nil {
		return model.Address{}, err
	}
	if m.Port != 0 {
		if err := util.ValidatePort(m.Port); err != nil {
			return model.Address{}, err
		}
		addr = addr.WithPort(m.Port)
	}
	return addr, nil
}

// Channel is a line-delimited JSON message stream. Send is safe for
// concurrent use; Receive must be called from one goroutine.
type Channel struct {
	rwc io.ReadWriteCloser
	sc  *bufio.Scanner

	mu sync.Mutex
}

// NewChannel wraps rwc, typically one end of a socketpair.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 4096), maxLine)
	return &Channel{rwc: rwc, sc: sc}
}

// Send writes m as a single line.
func (c *Channel) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.rwc.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// Receive reads the next message. It returns io.EOF once the peer closed the
// channel. A malformed line yields an error wrapping ErrMalformed and leaves
// the channel usable.
func (c *Channel) Receive() (Message, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return decode(line)
	}
	if err := c.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Close closes the underlying stream.
func (c *Channel) Close() error {
	return c.rwc.Close()
}

func decode(line []byte) (Message, error) {
	if !gjson.ValidBytes(line) {
		return Message{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	typ := doc.Get("type")
	if typ.Type != gjson.String {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	m := Message{Type: typ.String()}
	switch m.Type {
	case TypeReady:
		addr := doc.Get("address")
		if !addr.IsObject() {
			return Message{}, fmt.Errorf("%w: ready without address", ErrMalformed)
		}
		m.Address = &HostPort{
			Host: addr.Get("host").String(),
			Port: int(addr.Get("port").Int()),
		}
	case TypeAdd:
		m.Domain = doc.Get("domain").String()
		m.IP = doc.Get("ip").String()
		m.Port = int(doc.Get("port").Int())
	}
	return m, nil
}
